// Package kube adapts cluster nodes and workloads to the views the
// fleet core consumes.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/asg-fleet-agent/internal/fleet"
)

// Node implements fleet.Node over a cluster node.
type Node struct {
	client        kubernetes.Interface
	logger        *slog.Logger
	name          string
	instanceID    string
	unschedulable bool
}

func (n *Node) Name() string        { return n.name }
func (n *Node) InstanceID() string  { return n.instanceID }
func (n *Node) Unschedulable() bool { return n.unschedulable }

// Uncordon marks the node schedulable again.
func (n *Node) Uncordon(ctx context.Context) error {
	patch := []byte(`{"spec":{"unschedulable":false}}`)
	_, err := n.client.CoreV1().Nodes().Patch(ctx, n.name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to uncordon node %s: %w", n.name, err)
	}
	n.unschedulable = false
	n.logger.Info("uncordoned node", "node", n.name)
	return nil
}

// ListNodes returns every cluster node that carries an EC2 provider id.
// Nodes without one (control plane bootstrapping, other providers) are
// skipped.
func ListNodes(ctx context.Context, client kubernetes.Interface, logger *slog.Logger) ([]fleet.Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	list, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	nodes := make([]fleet.Node, 0, len(list.Items))
	for _, item := range list.Items {
		instanceID := InstanceIDFromProviderID(item.Spec.ProviderID)
		if instanceID == "" {
			continue
		}
		nodes = append(nodes, &Node{
			client:        client,
			logger:        logger,
			name:          item.Name,
			instanceID:    instanceID,
			unschedulable: item.Spec.Unschedulable,
		})
	}
	return nodes, nil
}

// InstanceIDFromProviderID extracts the instance id from a provider id
// of the form aws:///us-east-1a/i-0123456789abcdef0.
func InstanceIDFromProviderID(providerID string) string {
	if !strings.HasPrefix(providerID, "aws://") {
		return ""
	}
	idx := strings.LastIndex(providerID, "/")
	if idx == len(providerID)-1 {
		return ""
	}
	return providerID[idx+1:]
}

// Compile-time interface check.
var _ fleet.Node = (*Node)(nil)

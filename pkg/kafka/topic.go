package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

func toConfigEntries(m map[string]string) []kafka.ConfigEntry {
	if len(m) == 0 {
		return nil
	}
	out := make([]kafka.ConfigEntry, 0, len(m))
	for k, v := range m {
		out = append(out, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
	}
	return out
}

// EnsureTopic creates the topic on the cluster controller if it does not exist yet.
// An "already exists" answer from the broker is treated as success.
func EnsureTopic(ctx context.Context, broker string, spec TopicSpec) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", broker, err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(spec.Name)
	if err == nil && len(partitions) > 0 {
		slog.Debug("Topic already exists", "topic", spec.Name, "partitions", len(partitions))
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to look up controller: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("failed to dial controller %s: %w", ctrlAddr, err)
	}
	defer ctrlConn.Close()

	if spec.Partitions <= 0 {
		spec.Partitions = 1
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
		ConfigEntries:     toConfigEntries(spec.Config),
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
		return fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
	}

	slog.Info("Ensured topic",
		"topic", spec.Name,
		"partitions", spec.Partitions,
		"replication_factor", spec.ReplicationFactor,
	)
	return nil
}

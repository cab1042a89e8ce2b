package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore persists AgentTrust durably, one row per (tenant, protocol
// tag) in an AgentTrust table. Reads use a bounded-staleness snapshot —
// trust weights change slowly enough that 15s staleness is an acceptable
// trade for lower read latency on the correlator's hot path.
type SpannerStore struct {
	client *spanner.Client
	tenant string
}

// NewSpannerStore opens a Spanner-backed trust store scoped to tenant.
func NewSpannerStore(ctx context.Context, project, instance, dbName, tenant string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner.NewClient: %w", err)
	}
	return &SpannerStore{client: client, tenant: tenant}, nil
}

func (s *SpannerStore) key(tag string) spanner.Key {
	return spanner.Key{s.tenant, tag}
}

// Get reads the current AgentTrust for tag, initializing a default row on
// first sight.
func (s *SpannerStore) Get(tag string) AgentTrust {
	ctx := context.Background()
	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "AgentTrust", s.key(tag), []string{"Weight", "Threshold", "AccuracyHistory"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			s.initialize(ctx, tag)
			return AgentTrust{Weight: DefaultWeight}
		}
		slog.Error("trust store read failed", "tag", tag, "err", err)
		return AgentTrust{Weight: DefaultWeight}
	}

	var weight, threshold float64
	var history []float64
	if err := row.Columns(&weight, &threshold, &history); err != nil {
		slog.Error("trust store decode failed", "tag", tag, "err", err)
		return AgentTrust{Weight: DefaultWeight}
	}
	return AgentTrust{Weight: weight, Threshold: threshold, Accuracy: history}
}

func (s *SpannerStore) initialize(ctx context.Context, tag string) {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("AgentTrust",
			[]string{"Tenant", "ProtocolTag", "Weight", "Threshold", "AccuracyHistory", "UpdatedAt"},
			[]interface{}{s.tenant, tag, DefaultWeight, 0.0, []float64{}, spanner.CommitTimestamp},
		),
	})
	if err != nil {
		slog.Error("trust store initialize failed", "tag", tag, "err", err)
	}
}

// UpdateWeight applies exponential smoothing transactionally and returns
// the new weight.
func (s *SpannerStore) UpdateWeight(tag string, accuracy, alpha float64) float64 {
	ctx := context.Background()
	var newWeight float64

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "AgentTrust", s.key(tag), []string{"Weight"})
		oldWeight := DefaultWeight
		if err == nil {
			row.Columns(&oldWeight)
		}

		newWeight = alpha*oldWeight + (1-alpha)*accuracy
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("AgentTrust",
				[]string{"Tenant", "ProtocolTag", "Weight", "UpdatedAt"},
				[]interface{}{s.tenant, tag, newWeight, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		slog.Error("trust store weight update failed", "tag", tag, "err", err)
		return DefaultWeight
	}
	return newWeight
}

// RecordAccuracy appends accuracy to tag's bounded history, trimming to
// historyCap oldest-evicted-first.
func (s *SpannerStore) RecordAccuracy(tag string, accuracy float64) {
	ctx := context.Background()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "AgentTrust", s.key(tag), []string{"AccuracyHistory"})
		var history []float64
		if err == nil {
			row.Columns(&history)
		}
		history = append(history, accuracy)
		if len(history) > historyCap {
			history = history[len(history)-historyCap:]
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("AgentTrust",
				[]string{"Tenant", "ProtocolTag", "AccuracyHistory", "UpdatedAt"},
				[]interface{}{s.tenant, tag, history, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		slog.Error("trust store accuracy record failed", "tag", tag, "err", err)
	}
}

// SetThreshold overwrites tag's adaptive threshold.
func (s *SpannerStore) SetThreshold(tag string, threshold float64) {
	ctx := context.Background()
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("AgentTrust",
			[]string{"Tenant", "ProtocolTag", "Threshold", "UpdatedAt"},
			[]interface{}{s.tenant, tag, threshold, spanner.CommitTimestamp},
		),
	})
	if err != nil {
		slog.Error("trust store threshold set failed", "tag", tag, "err", err)
	}
}

// ListHighTrust returns protocol tags with weight above minWeight, for
// operator dashboards.
func (s *SpannerStore) ListHighTrust(ctx context.Context, minWeight float64) ([]string, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ProtocolTag FROM AgentTrust
		      WHERE Tenant = @tenant AND Weight > @minWeight
		      ORDER BY Weight DESC`,
		Params: map[string]interface{}{"tenant": s.tenant, "minWeight": minWeight},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var tags []string
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var tag string
		if err := row.Columns(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Close releases the Spanner client.
func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

var _ Store = (*SpannerStore)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/storage"
)

// DefaultNamespace prefixes every record key.
const DefaultNamespace = "TT"

// EdgeSequence is the sequence membership indices are drawn from.
const EdgeSequence = "edge"

// Service owns the identity and membership records of the mesh.
type Service struct {
	store  storage.Store
	ns     string
	clock  clock.Clock
	newID  func() string
	logger *zap.Logger

	Cluster    *Manager[cluster.ClusterModel]
	Edge       *Manager[cluster.EdgeModel]
	Node       *Manager[cluster.NodeModel]
	Connection *Manager[cluster.ConnectionModel]
	Request    *Manager[cluster.RequestModel]
	Response   *Manager[cluster.ResponseModel]
}

// Option configures a Service.
type Option func(*Service)

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(s *Service) { s.ns = ns }
}

// WithClock sets the clock used for connectedAt and finishedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator replaces the uuid generator used for node and request ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service over store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ns:     DefaultNamespace,
		clock:  clock.New(),
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Cluster = newManager[cluster.ClusterModel](s, cluster.TypeCluster)
	s.Edge = newManager[cluster.EdgeModel](s, cluster.TypeEdge)
	s.Node = newManager[cluster.NodeModel](s, cluster.TypeNode)
	s.Connection = newManager[cluster.ConnectionModel](s, cluster.TypeConnection)
	s.Request = newManager[cluster.RequestModel](s, cluster.TypeRequest)
	s.Response = newManager[cluster.ResponseModel](s, cluster.TypeResponse)
	return s
}

// Namespace returns the key namespace.
func (s *Service) Namespace() string {
	return s.ns
}

// AsKey returns the record key of an entity: "<ns>:<type>:<id>".
func (s *Service) AsKey(t cluster.ModelType, id string) string {
	return strings.Join([]string{s.ns, string(t), id}, ":")
}

// NextUUID returns a new random id.
func (s *Service) NextUUID() string {
	return s.newID()
}

// Now returns the current time in epoch milliseconds.
func (s *Service) Now() int64 {
	return s.clock.Now().UnixMilli()
}

// Store returns the underlying store.
func (s *Service) Store() storage.Store {
	return s.store
}

// Manager reads and writes the records of one entity type.
type Manager[T any] struct {
	svc *Service
	typ cluster.ModelType
}

func newManager[T any](svc *Service, t cluster.ModelType) *Manager[T] {
	return &Manager[T]{svc: svc, typ: t}
}

// Type returns the entity type handled by the manager.
func (m *Manager[T]) Type() cluster.ModelType {
	return m.typ
}

// Key returns the record key of id.
func (m *Manager[T]) Key(id string) string {
	return m.svc.AsKey(m.typ, id)
}

func (m *Manager[T]) identity(id string, fields storage.Record) storage.Record {
	out := storage.Record{}
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = id
	out["type"] = string(m.typ)
	out["ns"] = m.svc.ns
	return out
}

// Read returns the raw record of id, or a 404-class error.
func (m *Manager[T]) Read(ctx context.Context, id string) (storage.Record, error) {
	if id == "" {
		return nil, cluster.Invalidf("@id (string) is required - %s", m.typ)
	}
	rec, err := m.svc.store.Read(ctx, m.Key(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, cluster.NotFoundf("%s[%s]", m.typ, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s[%s]: %w", m.typ, id, err)
	}
	return rec, nil
}

// Retrieve returns the model of id, or a 404-class error.
func (m *Manager[T]) Retrieve(ctx context.Context, id string) (*T, error) {
	rec, err := m.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return cluster.FromRecord[T](rec)
}

// Find is Retrieve that maps a missing record to nil.
func (m *Manager[T]) Find(ctx context.Context, id string) (*T, error) {
	model, err := m.Retrieve(ctx, id)
	if cluster.IsNotFound(err) {
		return nil, nil
	}
	return model, err
}

// ReadOrCreate returns the model of id, creating it from defaults.
func (m *Manager[T]) ReadOrCreate(ctx context.Context, id string, defaults storage.Record) (*T, error) {
	if id == "" {
		return nil, cluster.Invalidf("@id (string) is required - %s", m.typ)
	}
	rec, err := m.svc.store.ReadOrCreate(ctx, m.Key(id), m.identity(id, defaults))
	if err != nil {
		return nil, fmt.Errorf("prepare %s[%s]: %w", m.typ, id, err)
	}
	return cluster.FromRecord[T](rec)
}

// Update merges fields and incr into the record of id, creating it when
// missing, and returns the merged model.
func (m *Manager[T]) Update(ctx context.Context, id string, fields storage.Record, incr *storage.Increment) (*T, error) {
	if id == "" {
		return nil, cluster.Invalidf("@id (string) is required - %s", m.typ)
	}
	rec, err := m.svc.store.Update(ctx, m.Key(id), m.identity(id, fields), incr)
	if err != nil {
		return nil, fmt.Errorf("update %s[%s]: %w", m.typ, id, err)
	}
	return cluster.FromRecord[T](rec)
}

// NextIdx allocates the next membership index.
func (m *Manager[T]) NextIdx(ctx context.Context) (int64, error) {
	idx, err := m.svc.store.NextSequence(ctx, EdgeSequence)
	if err != nil {
		return 0, fmt.Errorf("next %s idx: %w", m.typ, err)
	}
	return idx, nil
}

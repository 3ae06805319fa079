// Package mongo implements the Tally store on MongoDB.
//
// RunInTx runs a multi-document transaction, which requires a replica set.
// Accounts and ledger entries are updated with a filter on the version read
// in the transaction, and write conflicts reported by the server map to
// tally.ErrConflict.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/xraph/tally"
	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

// Collection name constants.
const (
	colPlans   = "tally_plans"
	colTenants = "tally_tenants"
	colUsage   = "tally_usage"
	colOrders  = "tally_orders"
	colLeases  = "tally_seat_leases"
	colMembers = "tally_members"
	colAudit   = "tally_audit"
)

// compile-time interface checks
var (
	_ store.Store = (*Store)(nil)
	_ order.Feed  = (*Store)(nil)
)

// Store implements store.Store using MongoDB.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	logger       *slog.Logger
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often OrderEvents sweeps for uncounted orders.
// The sweep redelivers nak'd orders and anything the change stream missed.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a store on the named database.
func New(client *mongo.Client, database string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		client:       client,
		db:           client.Database(database),
		logger:       logger,
		pollInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a client for uri.
func Connect(uri, database string, logger *slog.Logger, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	return New(client, database, logger, opts...), nil
}

// DB returns the underlying database.
func (s *Store) DB() *mongo.Database { return s.db }

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== Transactions ====================

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("tally/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return fmt.Errorf("tally/mongo: start transaction: %w", err)
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx, &tx{s: s}); err != nil {
		_ = sess.AbortTransaction(ctx)
		return classify(err)
	}
	if err := sess.CommitTransaction(sctx); err != nil {
		_ = sess.AbortTransaction(ctx)
		return classify(err)
	}
	return nil
}

// tx issues its operations with the session context it is handed.
type tx struct {
	s *Store
}

func (t *tx) GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error) {
	return t.s.GetTenant(ctx, tenantID)
}

func (t *tx) PutTenant(ctx context.Context, a *tenant.Account) error {
	m := toTenantModel(a)
	if err := t.s.putVersioned(ctx, colTenants, m.TenantID, a.Version, func(v int64) any {
		m.Version = v
		return m
	}); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *tx) GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	return t.s.GetUsage(ctx, tenantID, monthKey)
}

func (t *tx) PutUsage(ctx context.Context, e *usage.Entry) error {
	m := toUsageModel(e)
	if err := t.s.putVersioned(ctx, colUsage, m.Key, e.Version, func(v int64) any {
		m.Version = v
		return m
	}); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (t *tx) CreateOrder(ctx context.Context, o *order.Order) error {
	return t.s.InsertOrder(ctx, o)
}

func (t *tx) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return t.s.GetOrder(ctx, orderID)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	res, err := t.s.col(colOrders).ReplaceOne(ctx, bson.M{"_id": o.ID.String()}, toOrderModel(o))
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrOrderNotFound
	}
	return nil
}

func (t *tx) CreateLease(ctx context.Context, l *seat.Lease) error {
	_, err := t.s.col(colLeases).InsertOne(ctx, toLeaseModel(l))
	return classifyCreate(err)
}

func (t *tx) GetLease(ctx context.Context, leaseID id.SeatID) (*seat.Lease, error) {
	var m leaseModel
	if err := t.s.col(colLeases).FindOne(ctx, bson.M{"_id": leaseID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrLeaseNotFound
		}
		return nil, classify(err)
	}
	return fromLeaseModel(&m)
}

func (t *tx) DeleteLease(ctx context.Context, leaseID id.SeatID) error {
	res, err := t.s.col(colLeases).DeleteOne(ctx, bson.M{"_id": leaseID.String()})
	if err != nil {
		return classify(err)
	}
	if res.DeletedCount == 0 {
		return tally.ErrLeaseNotFound
	}
	return nil
}

func (t *tx) ListLeases(ctx context.Context, tenantID string) ([]*seat.Lease, error) {
	var models []leaseModel
	if err := t.s.find(ctx, colLeases, bson.M{"tenant_id": tenantID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &models); err != nil {
		return nil, err
	}
	return convertAll(models, fromLeaseModel)
}

func (t *tx) PutMember(ctx context.Context, m *member.Member) error {
	_, err := t.s.col(colMembers).ReplaceOne(ctx, bson.M{"_id": m.ID.String()}, toMemberModel(m), options.Replace().SetUpsert(true))
	return classify(err)
}

func (t *tx) DeleteMember(ctx context.Context, tenantID string, memberID id.MemberID) error {
	res, err := t.s.col(colMembers).DeleteOne(ctx, bson.M{"_id": memberID.String(), "tenant_id": tenantID})
	if err != nil {
		return classify(err)
	}
	if res.DeletedCount == 0 {
		return tally.ErrMemberNotFound
	}
	return nil
}

func (t *tx) ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error) {
	return t.s.ListMembers(ctx, tenantID)
}

func (t *tx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := t.s.col(colAudit).InsertOne(ctx, toAuditModel(e))
	return classify(err)
}

// putVersioned inserts the document when version is zero and otherwise
// replaces it only if the stored version still matches. doc receives the
// version to store.
func (s *Store) putVersioned(ctx context.Context, col, key string, version int64, doc func(next int64) any) error {
	if version == 0 {
		_, err := s.col(col).InsertOne(ctx, doc(1))
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s %s created concurrently", tally.ErrConflict, col, key)
		}
		return classify(err)
	}

	res, err := s.col(col).ReplaceOne(ctx, bson.M{"_id": key, "version": version}, doc(version+1))
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s %s was modified concurrently", tally.ErrConflict, col, key)
	}
	return nil
}

// ==================== Plan catalog ====================

func (s *Store) UpsertPlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	if existing, err := s.GetPlan(ctx, p.ID); err == nil {
		m.CreatedAt = existing.CreatedAt
	}
	_, err := s.col(colPlans).ReplaceOne(ctx, bson.M{"_id": p.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("tally/mongo: upsert plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var m planModel
	if err := s.col(colPlans).FindOne(ctx, bson.M{"_id": planID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrPlanNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m), nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	var models []planModel
	if err := s.find(ctx, colPlans, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list plans: %w", err)
	}
	out := make([]*plan.Plan, len(models))
	for i := range models {
		out[i] = fromPlanModel(&models[i])
	}
	return out, nil
}

// ==================== Tenants and usage ====================

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error) {
	var m tenantModel
	if err := s.col(colTenants).FindOne(ctx, bson.M{"_id": tenantID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrTenantNotFound
		}
		return nil, classify(err)
	}
	return fromTenantModel(&m), nil
}

func (s *Store) GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	var m usageModel
	if err := s.col(colUsage).FindOne(ctx, bson.M{"_id": usageKey(tenantID, monthKey)}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrUsageNotFound
		}
		return nil, classify(err)
	}
	return fromUsageModel(&m), nil
}

func (s *Store) ListUsage(ctx context.Context, tenantID string) ([]*usage.Entry, error) {
	var models []usageModel
	if err := s.find(ctx, colUsage, bson.M{"tenant_id": tenantID}, options.Find().SetSort(bson.D{{Key: "month_key", Value: 1}}), &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list usage: %w", err)
	}
	out := make([]*usage.Entry, len(models))
	for i := range models {
		out[i] = fromUsageModel(&models[i])
	}
	return out, nil
}

// ==================== Orders ====================

// InsertOrder implements store.Store.
func (s *Store) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := s.col(colOrders).InsertOne(ctx, toOrderModel(o))
	return classifyCreate(err)
}

func (s *Store) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	var m orderModel
	if err := s.col(colOrders).FindOne(ctx, bson.M{"_id": orderID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrOrderNotFound
		}
		return nil, classify(err)
	}
	return fromOrderModel(&m)
}

func (s *Store) ListOrders(ctx context.Context, tenantID string, opts order.ListOpts) ([]*order.Order, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.MonthKey != "" {
		start, err := usage.ParseMonthKey(opts.MonthKey)
		if err != nil {
			return nil, tally.ValidationError{Field: "month_key", Message: err.Error()}
		}
		filter["created_at"] = bson.M{"$gte": start, "$lt": start.AddDate(0, 1, 0)}
	}
	if opts.OnlyOverLimit {
		filter["over_limit"] = true
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	var models []orderModel
	if err := s.find(ctx, colOrders, filter, findOpts, &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list orders: %w", err)
	}
	return convertAll(models, fromOrderModel)
}

// ==================== Seat leases and members ====================

func (s *Store) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*seat.Lease, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	var models []leaseModel
	filter := bson.M{"expires_at": bson.M{"$ne": nil, "$lte": before.UTC()}}
	if err := s.find(ctx, colLeases, filter, findOpts, &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list expired leases: %w", err)
	}
	return convertAll(models, fromLeaseModel)
}

func (s *Store) ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error) {
	var models []memberModel
	if err := s.find(ctx, colMembers, bson.M{"tenant_id": tenantID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &models); err != nil {
		return nil, err
	}
	return convertAll(models, fromMemberModel)
}

// ==================== Audit trail ====================

func (s *Store) ListAudit(ctx context.Context, tenantID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.Action != "" {
		filter["action"] = opts.Action
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	var models []auditModel
	if err := s.find(ctx, colAudit, filter, findOpts, &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list audit: %w", err)
	}
	return convertAll(models, fromAuditModel)
}

// ==================== Helpers ====================

func (s *Store) find(ctx context.Context, col string, filter any, opts *options.FindOptionsBuilder, dst any) error {
	cur, err := s.col(col).Find(ctx, filter, opts)
	if err != nil {
		return classify(err)
	}
	return classify(cur.All(ctx, dst))
}

func convertAll[M, T any](models []M, from func(*M) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(models))
	for i := range models {
		v, err := from(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

type labeled interface {
	HasErrorLabel(label string) bool
}

// classify maps transient transaction failures to tally.ErrConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, tally.ErrConflict) {
		return err
	}
	var le labeled
	if errors.As(err, &le) && le.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", tally.ErrConflict, err)
	}
	return err
}

func classifyCreate(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", tally.ErrAlreadyExists, err)
	}
	return classify(err)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsage: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "month_key", Value: 1}}},
		},
		colOrders: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "counted_in_usage", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colLeases: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
		colMembers: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "at", Value: 1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "action", Value: 1}}},
		},
	}
}

// Package testutil provides in-memory stand-ins for the store, identity provider and
// billing provider, shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"controlplane/internal/billing"
	"controlplane/internal/identity"
	"controlplane/internal/model"
	"controlplane/internal/repository"
)

// Users is an in-memory repository.UserRepository with the same write rules as the
// Postgres implementation.
type Users struct {
	mu     sync.Mutex
	rows   map[int64]*model.User
	nextID int64
	// FailCreate, when set, is returned by Create.
	FailCreate error
	// FailUpdate, when set, is returned by Update for the listed ids.
	FailUpdate map[int64]error
	Writes     int
}

var _ repository.UserRepository = (*Users)(nil)

func NewUsers(seed ...model.User) *Users {
	s := &Users{rows: map[int64]*model.User{}, FailUpdate: map[int64]error{}}
	for _, u := range seed {
		if u.AccountStatus == "" {
			u.AccountStatus = model.AccountActive
		}
		if u.Tier == "" {
			u.Tier = model.TierBasic
		}
		s.rows[u.ID] = &u
		if u.ID > s.nextID {
			s.nextID = u.ID
		}
	}
	return s
}

// Snapshot returns a copy of the row with id, or nil.
func (s *Users) Snapshot(id int64) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[id]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

// All returns copies of every row ordered by id.
func (s *Users) All() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(*model.User) bool { return true })
}

func (s *Users) sorted(keep func(*model.User) bool) []model.User {
	out := []model.User{}
	for _, u := range s.rows {
		if keep(u) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Users) Create(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	for _, existing := range s.rows {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("duplicate email %s", u.Email)
		}
	}
	s.nextID++
	c := *u
	c.ID = s.nextID
	if c.Tier == "" {
		c.Tier = model.TierBasic
	}
	if c.AccountStatus == "" {
		c.AccountStatus = model.AccountActive
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	s.rows[c.ID] = &c
	s.Writes++
	*u = c
	return nil
}

func (s *Users) GetByID(_ context.Context, id int64) (*model.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[id]
	if !ok {
		return nil, false, nil
	}
	c := *u
	return &c, true, nil
}

func (s *Users) GetByIDs(_ context.Context, ids []int64) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(u *model.User) bool { return slices.Contains(ids, u.ID) }), nil
}

func (s *Users) GetByIdentityRef(_ context.Context, ref string) (*model.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(func(u *model.User) bool { return u.IdentityRef != nil && *u.IdentityRef == ref })
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

func (s *Users) List(_ context.Context, p repository.ListParams) ([]model.User, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(p.Search))
	rows := s.sorted(func(u *model.User) bool {
		if p.Tier != "" && u.Tier != p.Tier {
			return false
		}
		if search == "" {
			return true
		}
		hay := strings.ToLower(u.Email + " " + u.FirstName + " " + u.LastName)
		return strings.Contains(hay, search)
	})
	total := len(rows)
	start := (p.Page - 1) * p.Limit
	if start > total {
		start = total
	}
	end := min(start+p.Limit, total)
	return rows[start:end], total, nil
}

func (s *Users) ListAfter(_ context.Context, afterID int64, limit int) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(func(u *model.User) bool { return u.ID > afterID })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Users) Stats(_ context.Context) (*model.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &model.UserStats{ByTier: map[model.Tier]int{model.TierBasic: 0, model.TierPremium: 0, model.TierAdmin: 0}}
	for _, u := range s.rows {
		st.Total++
		st.ByTier[u.Tier]++
		if u.AccountStatus == model.AccountSuspended {
			st.Suspended++
		} else {
			st.Active++
		}
		if u.BillingCustomerRef != nil {
			st.WithBillingCustomer++
		}
	}
	return st, nil
}

func (s *Users) Update(_ context.Context, id int64, p repository.UserPatch) (*model.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailUpdate[id]; err != nil {
		return nil, false, err
	}
	u, ok := s.rows[id]
	if !ok {
		return nil, false, nil
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	if p.Tier != nil {
		if *p.Tier == model.TierPremium && u.Tier != model.TierPremium {
			now := time.Now().UTC()
			if p.UpgradedAt != nil {
				now = *p.UpgradedAt
			}
			u.UpgradedAt = &now
		}
		u.Tier = *p.Tier
	}
	if p.AccountStatus != nil {
		u.AccountStatus = *p.AccountStatus
	}
	u.UpdatedAt = time.Now().UTC()
	s.Writes++
	c := *u
	return &c, true, nil
}

func (s *Users) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	s.Writes++
	return true, nil
}

func (s *Users) ApplyTierByIdentityRef(_ context.Context, ref string, upd model.TierUpdate) (*repository.TierChange, bool, error) {
	return s.applyTier(func(u *model.User) bool { return u.IdentityRef != nil && *u.IdentityRef == ref }, upd)
}

func (s *Users) ApplyTierByCustomerRef(_ context.Context, ref string, upd model.TierUpdate) (*repository.TierChange, bool, error) {
	return s.applyTier(func(u *model.User) bool { return u.BillingCustomerRef != nil && *u.BillingCustomerRef == ref }, upd)
}

func (s *Users) ApplyTierByEmail(_ context.Context, email string, upd model.TierUpdate) (*repository.TierChange, bool, error) {
	return s.applyTier(func(u *model.User) bool { return strings.EqualFold(u.Email, email) }, upd)
}

func (s *Users) applyTier(match func(*model.User) bool, upd model.TierUpdate) (*repository.TierChange, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(match)
	if len(rows) == 0 {
		return nil, false, nil
	}
	u := s.rows[rows[0].ID]
	prev := u.Tier
	if upd.BackfillOnly && upd.CustomerRef != nil && u.BillingCustomerRef != nil && *u.BillingCustomerRef != *upd.CustomerRef {
		return nil, false, repository.ErrCustomerRefConflict
	}

	if upd.Tier == model.TierPremium && prev != model.TierPremium && prev != model.TierAdmin {
		at := time.Now().UTC()
		if upd.UpgradedAt != nil {
			at = *upd.UpgradedAt
		}
		u.UpgradedAt = &at
	}
	if prev != model.TierAdmin {
		u.Tier = upd.Tier
	}
	u.Status = upd.Status
	if !upd.KeepPlan {
		u.PlanRef = upd.PlanRef
	}
	if upd.CustomerRef != nil {
		ref := *upd.CustomerRef
		u.BillingCustomerRef = &ref
	}
	u.UpdatedAt = time.Now().UTC()
	s.Writes++
	c := *u
	return &repository.TierChange{User: &c, PreviousTier: prev}, true, nil
}

// Plans is an in-memory repository.PlanRepository keyed by product reference.
type Plans struct {
	ByProduct map[string]model.Plan
	Err       error
}

func (p *Plans) GetByProductRef(_ context.Context, ref string) (*model.Plan, bool, error) {
	if p.Err != nil {
		return nil, false, p.Err
	}
	plan, ok := p.ByProduct[ref]
	if !ok {
		return nil, false, nil
	}
	return &plan, true, nil
}

// UnlinkedEvents records unlinked billing events in memory.
type UnlinkedEvents struct {
	mu     sync.Mutex
	Events []model.UnlinkedEvent
}

func (r *UnlinkedEvents) Create(_ context.Context, e *model.UnlinkedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.Events) + 1)
	e.CreatedAt = time.Now().UTC()
	r.Events = append(r.Events, *e)
	return nil
}

func (r *UnlinkedEvents) ListRecent(_ context.Context, limit int) ([]model.UnlinkedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.UnlinkedEvent{}
	for i := len(r.Events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.Events[i])
	}
	return out, nil
}

// Customers is a billing.CustomerLookup over a fixed map. Unknown refs report as deleted.
type Customers struct {
	ByRef   map[string]billing.CustomerInfo
	Err     error
	Lookups int
}

func (c *Customers) LookupCustomer(_ context.Context, ref string) (billing.CustomerInfo, error) {
	c.Lookups++
	if c.Err != nil {
		return billing.CustomerInfo{}, c.Err
	}
	info, ok := c.ByRef[ref]
	if !ok {
		return billing.CustomerInfo{Deleted: true}, nil
	}
	return info, nil
}

// ErrIdentityDown is returned by Identity operations configured to fail.
var ErrIdentityDown = errors.New("identity provider unavailable")

// Identity is an in-memory identity.Provider.
type Identity struct {
	mu       sync.Mutex
	Sessions map[string]identity.Session
	Users    map[string]*identity.User
	// Fail names operations (session, set_role, ban, unban, delete, create, get) that return ErrIdentityDown.
	Fail    map[string]bool
	Calls   []string
	created int
}

var _ identity.Provider = (*Identity)(nil)

func NewIdentity() *Identity {
	return &Identity{
		Sessions: map[string]identity.Session{},
		Users:    map[string]*identity.User{},
		Fail:     map[string]bool{},
	}
}

func (f *Identity) record(op, ref string) error {
	f.Calls = append(f.Calls, op+":"+ref)
	if f.Fail[op] {
		return ErrIdentityDown
	}
	return nil
}

func (f *Identity) VerifySession(_ context.Context, token string) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail["session"] {
		return nil, ErrIdentityDown
	}
	s, ok := f.Sessions[token]
	if !ok {
		return nil, identity.ErrInvalidSession
	}
	return &s, nil
}

func (f *Identity) GetUser(_ context.Context, ref string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", ref); err != nil {
		return nil, err
	}
	u, ok := f.Users[ref]
	if !ok {
		return nil, identity.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *Identity) CreateUser(_ context.Context, p identity.CreateUserParams) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", p.Email); err != nil {
		return nil, err
	}
	f.created++
	u := &identity.User{ID: fmt.Sprintf("idp_%d", f.created), Email: p.Email, FirstName: p.FirstName, LastName: p.LastName, Role: p.Role}
	f.Users[u.ID] = u
	c := *u
	return &c, nil
}

func (f *Identity) DeleteUser(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", ref); err != nil {
		return err
	}
	delete(f.Users, ref)
	return nil
}

func (f *Identity) SetRole(_ context.Context, ref, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("set_role", ref); err != nil {
		return err
	}
	if u, ok := f.Users[ref]; ok {
		u.Role = role
	}
	return nil
}

func (f *Identity) BanUser(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ban", ref); err != nil {
		return err
	}
	if u, ok := f.Users[ref]; ok {
		u.Banned = true
	}
	return nil
}

func (f *Identity) UnbanUser(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("unban", ref); err != nil {
		return err
	}
	if u, ok := f.Users[ref]; ok {
		u.Banned = false
	}
	return nil
}

// CallsTo returns how many recorded calls start with op.
func (f *Identity) CallsTo(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

// Confirmations is an in-memory repository.ConfirmationRepository.
type Confirmations struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewConfirmations() *Confirmations {
	return &Confirmations{tokens: map[string]string{}}
}

func (c *Confirmations) Save(_ context.Context, token, binding string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = binding
	return nil
}

func (c *Confirmations) Consume(_ context.Context, token string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.tokens[token]
	delete(c.tokens, token)
	return b, ok, nil
}

// Message is one captured publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher captures published messages.
type Publisher struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (p *Publisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.Messages = append(p.Messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("msg-%d", len(p.Messages)), nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Package selection holds the per-token selection and in-flight transfer
// state for the connected account and network.
package selection

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/model"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// TransactionHandle is a submitted transfer. It is owned by the record of
// the token it moves. Nonce is nil when the handle was built from a bare
// hash.
type TransactionHandle struct {
	Token         common.Address `json:"token"`
	Hash          common.Hash    `json:"hash"`
	From          common.Address `json:"from"`
	Nonce         *uint64        `json:"nonce,omitempty"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	Status        Status         `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

type Record struct {
	Checked bool               `json:"checked"`
	Pending *TransactionHandle `json:"pending,omitempty"`
}

func (r Record) clone() Record {
	if r.Pending != nil {
		h := r.Pending.clone()
		r.Pending = &h
	}
	return r
}

func (h TransactionHandle) clone() TransactionHandle {
	if h.Nonce != nil {
		n := *h.Nonce
		h.Nonce = &n
	}
	return h
}

// Scope is the connected account and network the records belong to.
type Scope struct {
	Account common.Address `json:"account"`
	ChainID int64          `json:"chain_id"`
}

type EventKind string

const (
	EventReset     EventKind = "reset"
	EventLoaded    EventKind = "loaded"
	EventChecked   EventKind = "checked"
	EventPending   EventKind = "pending"
	EventCompleted EventKind = "completed"
)

type Event struct {
	Kind   EventKind
	Token  common.Address
	Record Record
}

// Entry pairs a discovered token with its selection record.
type Entry struct {
	Token  model.TokenBalance
	Record Record
}

type Store struct {
	mu      sync.Mutex
	scope   Scope
	bound   bool
	tokens  []model.TokenBalance
	index   map[common.Address]int
	records map[common.Address]*Record
	// first-touch order of records whose token is not in the discovery list
	extra     []common.Address
	observers []func(Event)
	running   bool
}

func New() *Store {
	return &Store{
		index:   make(map[common.Address]int),
		records: make(map[common.Address]*Record),
	}
}

// OnChange registers fn to be called after every mutation. Observers run
// outside the store lock.
func (s *Store) OnChange(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Bind scopes the store to an account and network, resetting every record
// when either changes. It reports whether a reset happened.
func (s *Store) Bind(scope Scope) bool {
	s.mu.Lock()
	if s.bound && s.scope == scope {
		s.mu.Unlock()
		return false
	}
	hadState := s.bound || len(s.records) > 0 || len(s.tokens) > 0
	s.scope = scope
	s.bound = true
	s.clearLocked()
	s.mu.Unlock()
	if hadState {
		s.emit([]Event{{Kind: EventReset}})
	}
	return hadState
}

func (s *Store) Scope() (Scope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.bound
}

// Reset clears all records and the discovery list but keeps the scope.
func (s *Store) Reset() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
	s.emit([]Event{{Kind: EventReset}})
}

// Disconnect drops all state including the scope.
func (s *Store) Disconnect() {
	s.mu.Lock()
	s.clearLocked()
	s.scope = Scope{}
	s.bound = false
	s.mu.Unlock()
	s.emit([]Event{{Kind: EventReset}})
}

func (s *Store) clearLocked() {
	s.tokens = nil
	s.index = make(map[common.Address]int)
	s.records = make(map[common.Address]*Record)
	s.extra = nil
}

// Load replaces the discovery list. Existing records, including in-flight
// ones, are kept; new tokens start unchecked.
func (s *Store) Load(tokens []model.TokenBalance) {
	s.mu.Lock()
	s.tokens = make([]model.TokenBalance, 0, len(tokens))
	s.index = make(map[common.Address]int, len(tokens))
	for _, t := range tokens {
		if _, dup := s.index[t.Contract]; dup {
			continue
		}
		s.index[t.Contract] = len(s.tokens)
		s.tokens = append(s.tokens, t)
		if _, ok := s.records[t.Contract]; !ok {
			s.records[t.Contract] = &Record{}
		}
	}
	extra := s.extra[:0:0]
	for _, addr := range s.extra {
		if _, listed := s.index[addr]; !listed {
			extra = append(extra, addr)
		}
	}
	s.extra = extra
	s.mu.Unlock()
	s.emit([]Event{{Kind: EventLoaded}})
}

func (s *Store) Tokens() []model.TokenBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TokenBalance(nil), s.tokens...)
}

func (s *Store) Token(addr common.Address) (model.TokenBalance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[addr]
	if !ok {
		return model.TokenBalance{}, false
	}
	return s.tokens[i], true
}

func (s *Store) Record(addr common.Address) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[addr]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// SetAutoSelected checks every record worth at least threshold USD. Tokens
// with a transfer in flight, below threshold or without a price are left
// untouched.
func (s *Store) SetAutoSelected(records []model.TokenBalance, threshold decimal.Decimal) {
	var events []Event
	s.mu.Lock()
	for _, t := range records {
		value, known := t.USDValue()
		if !known || value.LessThan(threshold) {
			continue
		}
		r := s.recordLocked(t.Contract)
		if r.Pending != nil || r.Checked {
			continue
		}
		r.Checked = true
		events = append(events, Event{Kind: EventChecked, Token: t.Contract, Record: r.clone()})
	}
	s.mu.Unlock()
	s.emit(events)
}

// Toggle sets the checked state. A token with a transfer in flight cannot
// be toggled.
func (s *Store) Toggle(addr common.Address, checked bool) error {
	s.mu.Lock()
	r := s.recordLocked(addr)
	if r.Pending != nil {
		s.mu.Unlock()
		return clierr.New(clierr.CodeInvalidState, fmt.Sprintf("token %s has a pending transaction %s", addr.Hex(), r.Pending.Hash.Hex()))
	}
	r.Checked = checked
	ev := Event{Kind: EventChecked, Token: addr, Record: r.clone()}
	s.mu.Unlock()
	s.emit([]Event{ev})
	return nil
}

// SelectedAddresses returns checked tokens without a transfer in flight, in
// discovery order followed by tokens toggled outside the discovery list.
func (s *Store) SelectedAddresses() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.Address, 0, len(s.records))
	for _, t := range s.tokens {
		if r := s.records[t.Contract]; r != nil && r.Checked && r.Pending == nil {
			out = append(out, t.Contract)
		}
	}
	for _, addr := range s.extra {
		if r := s.records[addr]; r != nil && r.Checked && r.Pending == nil {
			out = append(out, addr)
		}
	}
	return out
}

// BeginRun claims the store for one sweep run. A second claim before the
// returned release is called fails with CodeSweepRunning. Release is
// idempotent.
func (s *Store) BeginRun() (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, clierr.New(clierr.CodeSweepRunning, "a sweep is already running for this account and network")
	}
	s.running = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		})
	}, nil
}

// AttachPending records a submitted transfer on its token.
func (s *Store) AttachPending(h TransactionHandle) error {
	if h.Status == "" {
		h.Status = StatusPending
	}
	if h.Status != StatusPending {
		return clierr.New(clierr.CodeInvalidState, "only pending handles can be attached")
	}
	s.mu.Lock()
	r := s.recordLocked(h.Token)
	if r.Pending != nil {
		s.mu.Unlock()
		return clierr.New(clierr.CodeInvalidState, fmt.Sprintf("token %s already has a pending transaction %s", h.Token.Hex(), r.Pending.Hash.Hex()))
	}
	handle := h.clone()
	r.Pending = &handle
	ev := Event{Kind: EventPending, Token: h.Token, Record: r.clone()}
	s.mu.Unlock()
	s.emit([]Event{ev})
	return nil
}

// CompletePending applies a terminal status to the token's pending handle.
// Confirmed unchecks the token; failed leaves it checked for a retry. Both
// clear the handle. The final handle is returned.
func (s *Store) CompletePending(token common.Address, hash common.Hash, status Status, reason string) (TransactionHandle, error) {
	if !status.Terminal() {
		return TransactionHandle{}, clierr.New(clierr.CodeInvalidState, fmt.Sprintf("status %q is not terminal", status))
	}
	s.mu.Lock()
	r, ok := s.records[token]
	if !ok || r.Pending == nil || r.Pending.Hash != hash {
		s.mu.Unlock()
		return TransactionHandle{}, clierr.New(clierr.CodeInvalidState, fmt.Sprintf("token %s has no pending transaction %s", token.Hex(), hash.Hex()))
	}
	final := r.Pending.clone()
	final.Status = status
	final.FailureReason = reason
	r.Pending = nil
	r.Checked = status == StatusFailed
	ev := Event{Kind: EventCompleted, Token: token, Record: r.clone()}
	s.mu.Unlock()
	s.emit([]Event{ev})
	return final, nil
}

// PendingHandles lists every transfer still in flight.
func (s *Store) PendingHandles() []TransactionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransactionHandle
	for _, addr := range s.orderLocked() {
		if r := s.records[addr]; r != nil && r.Pending != nil {
			out = append(out, r.Pending.clone())
		}
	}
	return out
}

// Snapshot returns every discovered token with its record, in discovery order.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.tokens))
	for _, t := range s.tokens {
		rec := Record{}
		if r := s.records[t.Contract]; r != nil {
			rec = r.clone()
		}
		out = append(out, Entry{Token: t, Record: rec})
	}
	return out
}

func (s *Store) recordLocked(addr common.Address) *Record {
	r, ok := s.records[addr]
	if !ok {
		r = &Record{}
		s.records[addr] = r
		if _, listed := s.index[addr]; !listed {
			s.extra = append(s.extra, addr)
		}
	}
	return r
}

func (s *Store) orderLocked() []common.Address {
	out := make([]common.Address, 0, len(s.tokens)+len(s.extra))
	for _, t := range s.tokens {
		out = append(out, t.Contract)
	}
	return append(out, s.extra...)
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	observers := append([]func(Event){}, s.observers...)
	s.mu.Unlock()
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

package licensing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Storage interface {
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	// DeleteAccount removes the account together with its subscription and
	// login records.
	DeleteAccount(ctx context.Context, accountID string) error
	// BindHardwareID sets the fingerprint only if the account is unbound or
	// already bound to the same value; otherwise errHardwareBound.
	BindHardwareID(ctx context.Context, accountID, hardwareID string, at time.Time) error
	ClearHardwareID(ctx context.Context, accountID string, at time.Time) error

	SaveSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	GetSubscriptionByAccount(ctx context.Context, accountID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)
	// ExpireSubscriptions flips active rental subscriptions whose expiry is at
	// or before now to expired and returns the ids it changed.
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error)

	RecordLogin(ctx context.Context, record *LoginRecord) error
	ListLogins(ctx context.Context, accountID string) ([]*LoginRecord, error)

	Close() error
}

var (
	errAccountExists       = errors.New("account already exists")
	errAccountMissing      = errors.New("account not found")
	errSubscriptionExists  = errors.New("subscription already exists")
	errSubscriptionMissing = errors.New("subscription not found")
	errHardwareBound       = errors.New("account is bound to another device")
)

// maxLoginRecords caps the audit trail kept per account.
const maxLoginRecords = 200

type InMemoryStorage struct {
	mu              sync.RWMutex
	accounts        map[string]*Account
	accountsByEmail map[string]string
	subscriptions   map[string]*Subscription
	subsByAccount   map[string]string
	logins          map[string][]*LoginRecord
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		accounts:        make(map[string]*Account),
		accountsByEmail: make(map[string]string),
		subscriptions:   make(map[string]*Subscription),
		subsByAccount:   make(map[string]string),
		logins:          make(map[string][]*LoginRecord),
	}
}

type storageSnapshot struct {
	Accounts      map[string]*Account       `json:"accounts"`
	Subscriptions map[string]*Subscription  `json:"subscriptions"`
	Logins        map[string][]*LoginRecord `json:"logins"`
}

func (s *InMemoryStorage) CreateAccount(_ context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return errAccountExists
	}
	emailKey := normalizeEmail(account.Email)
	if _, exists := s.accountsByEmail[emailKey]; exists {
		return errAccountExists
	}
	s.accounts[account.ID] = cloneAccount(account)
	s.accountsByEmail[emailKey] = account.ID
	return nil
}

func (s *InMemoryStorage) UpdateAccount(_ context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[account.ID]
	if !ok {
		return errAccountMissing
	}
	oldKey := normalizeEmail(existing.Email)
	newKey := normalizeEmail(account.Email)
	if oldKey != newKey {
		if _, taken := s.accountsByEmail[newKey]; taken {
			return errAccountExists
		}
		delete(s.accountsByEmail, oldKey)
		s.accountsByEmail[newKey] = account.ID
	}
	s.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (s *InMemoryStorage) GetAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, errAccountMissing
	}
	return cloneAccount(account), nil
}

func (s *InMemoryStorage) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accountsByEmail[normalizeEmail(email)]
	if !ok {
		return nil, errAccountMissing
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *InMemoryStorage) ListAccounts(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, cloneAccount(account))
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *InMemoryStorage) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return errAccountMissing
	}
	delete(s.accountsByEmail, normalizeEmail(account.Email))
	delete(s.accounts, accountID)
	if subID, ok := s.subsByAccount[accountID]; ok {
		delete(s.subscriptions, subID)
		delete(s.subsByAccount, accountID)
	}
	delete(s.logins, accountID)
	return nil
}

func (s *InMemoryStorage) BindHardwareID(_ context.Context, accountID, hardwareID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return errAccountMissing
	}
	if account.HardwareID != "" && account.HardwareID != hardwareID {
		return errHardwareBound
	}
	account.HardwareID = hardwareID
	account.UpdatedAt = at
	return nil
}

func (s *InMemoryStorage) ClearHardwareID(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return errAccountMissing
	}
	account.HardwareID = ""
	account.UpdatedAt = at
	return nil
}

func (s *InMemoryStorage) SaveSubscription(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[sub.AccountID]; !ok {
		return errAccountMissing
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return errSubscriptionExists
	}
	if _, exists := s.subsByAccount[sub.AccountID]; exists {
		return errSubscriptionExists
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	s.subsByAccount[sub.AccountID] = sub.ID
	return nil
}

func (s *InMemoryStorage) UpdateSubscription(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return errSubscriptionMissing
	}
	if existing.AccountID != sub.AccountID {
		return fmt.Errorf("subscription %s cannot change owner", sub.ID)
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *InMemoryStorage) GetSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, errSubscriptionMissing
	}
	return cloneSubscription(sub), nil
}

func (s *InMemoryStorage) GetSubscriptionByAccount(_ context.Context, accountID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.subsByAccount[accountID]
	if !ok {
		return nil, errSubscriptionMissing
	}
	return cloneSubscription(s.subscriptions[id]), nil
}

func (s *InMemoryStorage) ListSubscriptions(_ context.Context) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, cloneSubscription(sub))
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

func (s *InMemoryStorage) ExpireSubscriptions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for id, sub := range s.subscriptions {
		if sub.Status != StatusActive || !sub.Expired(now) {
			continue
		}
		sub.Status = StatusExpired
		sub.UpdatedAt = now
		changed = append(changed, id)
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *InMemoryStorage) RecordLogin(_ context.Context, record *LoginRecord) error {
	if record == nil {
		return fmt.Errorf("login record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[record.AccountID]; !ok {
		return errAccountMissing
	}
	records := append(s.logins[record.AccountID], cloneLoginRecord(record))
	if len(records) > maxLoginRecords {
		records = records[len(records)-maxLoginRecords:]
	}
	s.logins[record.AccountID] = records
	return nil
}

func (s *InMemoryStorage) ListLogins(_ context.Context, accountID string) ([]*LoginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.logins[accountID]
	clones := make([]*LoginRecord, 0, len(records))
	for _, record := range records {
		clones = append(clones, cloneLoginRecord(record))
	}
	return clones, nil
}

func (s *InMemoryStorage) Close() error { return nil }

func (s *InMemoryStorage) snapshot() *storageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := &storageSnapshot{
		Accounts:      make(map[string]*Account, len(s.accounts)),
		Subscriptions: make(map[string]*Subscription, len(s.subscriptions)),
		Logins:        make(map[string][]*LoginRecord, len(s.logins)),
	}
	for id, account := range s.accounts {
		snapshot.Accounts[id] = cloneAccount(account)
	}
	for id, sub := range s.subscriptions {
		snapshot.Subscriptions[id] = cloneSubscription(sub)
	}
	for id, records := range s.logins {
		clones := make([]*LoginRecord, 0, len(records))
		for _, record := range records {
			clones = append(clones, cloneLoginRecord(record))
		}
		snapshot.Logins[id] = clones
	}
	return snapshot
}

func (s *InMemoryStorage) loadSnapshot(snapshot *storageSnapshot) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*Account, len(snapshot.Accounts))
	s.accountsByEmail = make(map[string]string, len(snapshot.Accounts))
	for id, account := range snapshot.Accounts {
		cloned := cloneAccount(account)
		s.accounts[id] = cloned
		s.accountsByEmail[normalizeEmail(cloned.Email)] = id
	}
	s.subscriptions = make(map[string]*Subscription, len(snapshot.Subscriptions))
	s.subsByAccount = make(map[string]string, len(snapshot.Subscriptions))
	for id, sub := range snapshot.Subscriptions {
		cloned := cloneSubscription(sub)
		s.subscriptions[id] = cloned
		s.subsByAccount[cloned.AccountID] = id
	}
	s.logins = make(map[string][]*LoginRecord, len(snapshot.Logins))
	for id, records := range snapshot.Logins {
		clones := make([]*LoginRecord, 0, len(records))
		for _, record := range records {
			clones = append(clones, cloneLoginRecord(record))
		}
		s.logins[id] = clones
	}
}

// PersistentStorage keeps everything in memory and rewrites a JSON snapshot
// after every mutation.
type PersistentStorage struct {
	backend *InMemoryStorage
	path    string
	mu      sync.Mutex
}

func NewPersistentStorage(path string) (*PersistentStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("persistent storage path is required")
	}
	ps := &PersistentStorage{
		backend: NewInMemoryStorage(),
		path:    path,
	}
	if err := ps.loadFromDisk(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return ps, nil
}

// mutate applies fn to a staged copy of the state. The copy replaces the
// live backend only after it has been written to disk.
func (ps *PersistentStorage) mutate(fn func(staged *InMemoryStorage) error) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	staged := NewInMemoryStorage()
	staged.loadSnapshot(ps.backend.snapshot())
	if err := fn(staged); err != nil {
		return err
	}
	next := staged.snapshot()
	if err := ps.persist(next); err != nil {
		return err
	}
	ps.backend.loadSnapshot(next)
	return nil
}

func (ps *PersistentStorage) CreateAccount(ctx context.Context, account *Account) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.CreateAccount(ctx, account) })
}

func (ps *PersistentStorage) UpdateAccount(ctx context.Context, account *Account) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.UpdateAccount(ctx, account) })
}

func (ps *PersistentStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return ps.backend.GetAccount(ctx, accountID)
}

func (ps *PersistentStorage) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return ps.backend.GetAccountByEmail(ctx, email)
}

func (ps *PersistentStorage) ListAccounts(ctx context.Context) ([]*Account, error) {
	return ps.backend.ListAccounts(ctx)
}

func (ps *PersistentStorage) DeleteAccount(ctx context.Context, accountID string) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.DeleteAccount(ctx, accountID) })
}

func (ps *PersistentStorage) BindHardwareID(ctx context.Context, accountID, hardwareID string, at time.Time) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.BindHardwareID(ctx, accountID, hardwareID, at) })
}

func (ps *PersistentStorage) ClearHardwareID(ctx context.Context, accountID string, at time.Time) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.ClearHardwareID(ctx, accountID, at) })
}

func (ps *PersistentStorage) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.SaveSubscription(ctx, sub) })
}

func (ps *PersistentStorage) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.UpdateSubscription(ctx, sub) })
}

func (ps *PersistentStorage) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return ps.backend.GetSubscription(ctx, subscriptionID)
}

func (ps *PersistentStorage) GetSubscriptionByAccount(ctx context.Context, accountID string) (*Subscription, error) {
	return ps.backend.GetSubscriptionByAccount(ctx, accountID)
}

func (ps *PersistentStorage) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	return ps.backend.ListSubscriptions(ctx)
}

func (ps *PersistentStorage) ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	var changed []string
	err := ps.mutate(func(st *InMemoryStorage) error {
		var err error
		changed, err = st.ExpireSubscriptions(ctx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (ps *PersistentStorage) RecordLogin(ctx context.Context, record *LoginRecord) error {
	return ps.mutate(func(st *InMemoryStorage) error { return st.RecordLogin(ctx, record) })
}

func (ps *PersistentStorage) ListLogins(ctx context.Context, accountID string) ([]*LoginRecord, error) {
	return ps.backend.ListLogins(ctx, accountID)
}

func (ps *PersistentStorage) Close() error { return nil }

func (ps *PersistentStorage) persist(snapshot *storageSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ps.path), 0o700); err != nil {
		return err
	}
	tmpPath := ps.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, ps.path)
}

func (ps *PersistentStorage) loadFromDisk() error {
	data, err := os.ReadFile(ps.path)
	if err != nil {
		return err
	}
	var snapshot storageSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	ps.backend.loadSnapshot(&snapshot)
	return nil
}

// StorageOptions selects a backend: sqlite (default), memory or file.
type StorageOptions struct {
	Mode       string
	SQLitePath string
	FilePath   string
}

func BuildStorage(opts StorageOptions) (Storage, string, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "", "sqlite", "sql", "sqlite3":
		path := strings.TrimSpace(opts.SQLitePath)
		if path == "" {
			path = filepath.Join("data", "kiosk-licensing.db")
		} else {
			path = filepath.Clean(path)
		}
		storage, err := NewSQLiteStorage(path)
		if err != nil {
			return nil, "", err
		}
		return storage, fmt.Sprintf("sqlite:%s", path), nil
	case "memory":
		return NewInMemoryStorage(), "memory", nil
	case "file", "disk", "persistent":
		path := strings.TrimSpace(opts.FilePath)
		if path == "" {
			path = filepath.Join("data", "kiosk-licensing-state.json")
		} else {
			path = filepath.Clean(path)
		}
		storage, err := NewPersistentStorage(path)
		if err != nil {
			return nil, "", err
		}
		return storage, fmt.Sprintf("file:%s", path), nil
	default:
		return nil, "", fmt.Errorf("unsupported storage mode %q", mode)
	}
}

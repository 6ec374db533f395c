package licensing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

const (
	defaultDurationDays = 30
	defaultSessionTTL   = 30 * 24 * time.Hour
	minPasswordLength   = 8
)

type LicenseManager struct {
	storage       Storage
	issuer        *LicenseIssuer
	binder        *DeviceBinder
	signer        *BearerSigner
	now           func() time.Time
	logger        *slog.Logger
	metrics       *Metrics
	bcryptCost    int
	sessionTTL    time.Duration
	defaultModels []string
	durationDays  int
	dummyHash     []byte
}

type Option func(*LicenseManager)

func WithClock(now func() time.Time) Option {
	return func(lm *LicenseManager) {
		if now != nil {
			lm.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(lm *LicenseManager) {
		if logger != nil {
			lm.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(lm *LicenseManager) { lm.metrics = m }
}

// WithBcryptCost is mostly for tests, which use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(lm *LicenseManager) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			lm.bcryptCost = cost
		}
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(lm *LicenseManager) {
		if ttl > 0 {
			lm.sessionTTL = ttl
		}
	}
}

// WithDefaultModels sets the models granted when an account is created
// without any, and the models reported for superadmin sessions.
func WithDefaultModels(models []string) Option {
	return func(lm *LicenseManager) {
		if normalized := normalizeModels(models); len(normalized) > 0 {
			lm.defaultModels = normalized
		}
	}
}

func WithDefaultDurationDays(days int) Option {
	return func(lm *LicenseManager) {
		if days > 0 {
			lm.durationDays = days
		}
	}
}

func NewLicenseManager(storage Storage, cipher *TokenCipher, jwtSecret string, opts ...Option) (*LicenseManager, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage implementation is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("token cipher is required")
	}
	lm := &LicenseManager{
		storage:       storage,
		now:           time.Now,
		logger:        slog.Default(),
		bcryptCost:    bcrypt.DefaultCost,
		sessionTTL:    defaultSessionTTL,
		defaultModels: []string{"predefined"},
		durationDays:  defaultDurationDays,
	}
	for _, opt := range opts {
		opt(lm)
	}
	signer, err := NewBearerSigner(jwtSecret, lm.sessionTTL, lm.now)
	if err != nil {
		return nil, err
	}
	lm.signer = signer
	lm.issuer = NewLicenseIssuer(storage, cipher, lm.now)
	lm.binder = NewDeviceBinder(storage, lm.now)
	// Compared against for unknown emails so both paths cost one bcrypt check.
	lm.dummyHash, err = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), lm.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}
	return lm, nil
}

// ==================== Provisioning ====================

// CreateAccount provisions an account with its subscription and first
// license token. actor is nil for internal callers (bootstrap, demo data).
func (lm *LicenseManager) CreateAccount(ctx context.Context, actor *Account, req protocol.CreateAccountRequest) (*Account, *Subscription, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, protocol.ErrBadRequest.WithMessage("a valid email is required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, nil, protocol.ErrBadRequest.WithMessage(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	role, ok := ParseRole(req.Role)
	if !ok || role == RoleSuperadmin {
		return nil, nil, protocol.ErrBadRequest.WithMessage("role must be client or admin")
	}
	if role == RoleAdmin && actor != nil && actor.Role != RoleSuperadmin {
		return nil, nil, protocol.ErrForbidden.WithMessage("only a superadmin may create admin accounts")
	}
	kind := SubscriptionKind(strings.ToLower(strings.TrimSpace(req.Type)))
	switch kind {
	case "":
		kind = SubscriptionRental
	case SubscriptionRental, SubscriptionPermanent:
	default:
		return nil, nil, protocol.ErrBadRequest.WithMessage("type must be rental or permanent")
	}
	days := req.DurationDays
	if days <= 0 {
		days = lm.durationDays
	}
	models := normalizeModels(req.Models)
	if len(models) == 0 {
		models = append([]string(nil), lm.defaultModels...)
	}

	account, err := lm.newAccount(email, req.Password, role)
	if err != nil {
		return nil, nil, err
	}
	if err := lm.storage.CreateAccount(ctx, account); err != nil {
		return nil, nil, mapStorageErr(err)
	}

	now := account.CreatedAt
	expiresAt := NeverExpires
	if kind == SubscriptionRental {
		expiresAt = now.AddDate(0, 0, days)
	}
	sub := &Subscription{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Kind:      kind,
		StartedAt: now,
		ExpiresAt: expiresAt,
		Models:    models,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := lm.attachSubscription(ctx, account, sub); err != nil {
		if cleanupErr := lm.storage.DeleteAccount(ctx, account.ID); cleanupErr != nil {
			lm.logger.Error("failed to roll back account", "account", account.ID, "error", cleanupErr)
		}
		return nil, nil, err
	}
	lm.logger.Info("account created",
		"account", account.ID,
		"role", account.Role,
		"type", sub.Kind,
		"expires_at", sub.ExpiresAt,
	)
	return account, sub, nil
}

func (lm *LicenseManager) attachSubscription(ctx context.Context, account *Account, sub *Subscription) error {
	if err := lm.storage.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	account.SubscriptionID = sub.ID
	if err := lm.storage.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to link subscription: %w", err)
	}
	if _, err := lm.issue(ctx, sub); err != nil {
		return err
	}
	return nil
}

func (lm *LicenseManager) newAccount(email, password string, role Role) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := lm.now().UTC()
	return &Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// EnsureSuperadmin creates the bootstrap superadmin when none exists. It
// returns the generated password when password was empty; a nil account
// means one already existed.
func (lm *LicenseManager) EnsureSuperadmin(ctx context.Context, email, password string) (*Account, string, error) {
	accounts, err := lm.storage.ListAccounts(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, account := range accounts {
		if account.Role == RoleSuperadmin {
			return nil, "", nil
		}
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, "", fmt.Errorf("superadmin email is required")
	}
	generated := ""
	if strings.TrimSpace(password) == "" {
		generated, err = randomSecret(12)
		if err != nil {
			return nil, "", err
		}
		password = generated
	}
	if len(password) < minPasswordLength {
		return nil, "", fmt.Errorf("superadmin password must be at least %d characters", minPasswordLength)
	}
	account, err := lm.newAccount(email, password, RoleSuperadmin)
	if err != nil {
		return nil, "", err
	}
	if err := lm.storage.CreateAccount(ctx, account); err != nil {
		return nil, "", mapStorageErr(err)
	}
	return account, generated, nil
}

// ==================== Kiosk flows ====================

// LoginAttempt carries the login body plus request metadata for auditing.
type LoginAttempt struct {
	Email      string
	Password   string
	HardwareID string
	IPAddress  string
	UserAgent  string
}

func (lm *LicenseManager) Login(ctx context.Context, attempt LoginAttempt) (*protocol.LoginResponse, error) {
	account, err := lm.storage.GetAccountByEmail(ctx, attempt.Email)
	if err != nil {
		if errors.Is(err, errAccountMissing) {
			_ = bcrypt.CompareHashAndPassword(lm.dummyHash, []byte(attempt.Password))
			lm.metrics.login(string(protocol.ReasonInvalidCredentials))
			return nil, protocol.ErrInvalidCredentials
		}
		return nil, err
	}
	resp, err := lm.login(ctx, account, attempt)
	lm.recordLogin(ctx, account, attempt, err)
	return resp, err
}

func (lm *LicenseManager) login(ctx context.Context, account *Account, attempt LoginAttempt) (*protocol.LoginResponse, error) {
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(attempt.Password)); err != nil {
		return nil, protocol.ErrInvalidCredentials
	}
	if !account.Active {
		return nil, protocol.ErrAccountInactive
	}
	var sub *Subscription
	if account.Role != RoleSuperadmin {
		var err error
		sub, err = lm.activeSubscription(ctx, account)
		if err != nil {
			return nil, err
		}
	}
	outcome, err := lm.binder.CheckAndBind(ctx, account, attempt.HardwareID)
	if err != nil {
		return nil, err
	}

	resp := &protocol.LoginResponse{
		ExpiryDate: NeverExpires,
		Models:     append([]string{}, lm.defaultModels...),
	}
	if sub != nil {
		token, err := lm.issue(ctx, sub)
		if err != nil {
			return nil, err
		}
		resp.LicenseToken = token
		resp.ExpiryDate = sub.ExpiresAt
		resp.Models = append([]string{}, sub.Models...)
	}
	bearer, err := lm.signer.Sign(account)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}
	resp.Token = bearer

	account.LastLoginAt = lm.now().UTC()
	if err := lm.storage.UpdateAccount(ctx, account); err != nil {
		lm.logger.Warn("failed to record last login", "account", account.ID, "error", err)
	}
	resp.User = userView(account)
	lm.logger.Info("login succeeded",
		"account", account.ID,
		"role", account.Role,
		"binding", outcome.String(),
		"hwid", utils.Truncate(account.HardwareID, 12),
	)
	return resp, nil
}

// activeSubscription loads the account's subscription and fails unless it is
// usable right now. A rental found past its expiry is marked expired.
func (lm *LicenseManager) activeSubscription(ctx context.Context, account *Account) (*Subscription, error) {
	sub, err := lm.storage.GetSubscriptionByAccount(ctx, account.ID)
	if err != nil {
		if errors.Is(err, errSubscriptionMissing) {
			return nil, protocol.ErrNoSubscription
		}
		return nil, err
	}
	switch sub.Status {
	case StatusActive:
	case StatusExpired:
		return nil, protocol.ErrSubscriptionExpired
	default:
		return nil, protocol.ErrSubscriptionInactive
	}
	now := lm.now().UTC()
	if sub.Expired(now) {
		sub.Status = StatusExpired
		sub.UpdatedAt = now
		if err := lm.storage.UpdateSubscription(ctx, sub); err != nil {
			lm.logger.Warn("failed to mark subscription expired", "subscription", sub.ID, "error", err)
		}
		return nil, protocol.ErrSubscriptionExpired
	}
	return sub, nil
}

func (lm *LicenseManager) recordLogin(ctx context.Context, account *Account, attempt LoginAttempt, loginErr error) {
	outcome := "success"
	if loginErr != nil {
		outcome = string(protocol.AsError(loginErr).Reason)
	}
	lm.metrics.login(outcome)
	fp, _ := normalizeFingerprint(attempt.HardwareID)
	record := &LoginRecord{
		ID:         uuid.New().String(),
		AccountID:  account.ID,
		Email:      account.Email,
		HardwareID: utils.Truncate(fp, 256),
		IPAddress:  attempt.IPAddress,
		UserAgent:  utils.Truncate(attempt.UserAgent, 256),
		Success:    loginErr == nil,
		Timestamp:  lm.now().UTC(),
	}
	if loginErr != nil {
		record.Reason = outcome
		lm.logger.Info("login rejected", "account", account.ID, "reason", outcome)
	}
	if err := lm.storage.RecordLogin(ctx, record); err != nil {
		lm.logger.Warn("failed to record login", "account", account.ID, "error", err)
	}
}

// Authenticate resolves a bearer token to its current account. A token
// minted for a device the account is no longer bound to is rejected.
func (lm *LicenseManager) Authenticate(ctx context.Context, bearer string) (*Account, error) {
	claims, err := lm.signer.Parse(bearer)
	if err != nil {
		return nil, err
	}
	account, err := lm.storage.GetAccount(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, errAccountMissing) {
			return nil, &protocol.Error{
				Reason:  protocol.ReasonAccountNotFound,
				Message: "account no longer exists",
				Status:  protocol.ErrUnauthorized.Status,
			}
		}
		return nil, err
	}
	if !account.Active {
		return nil, protocol.ErrAccountInactive
	}
	if account.Role != RoleSuperadmin && claims.HardwareID != "" && account.HardwareID != claims.HardwareID {
		return nil, protocol.ErrDeviceMismatch
	}
	return account, nil
}

func (lm *LicenseManager) Validate(ctx context.Context, bearer string) (*protocol.ValidateResponse, error) {
	account, err := lm.Authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	resp := &protocol.ValidateResponse{User: userView(account)}
	if account.Role == RoleSuperadmin {
		return resp, nil
	}
	sub, err := lm.activeSubscription(ctx, account)
	if err != nil {
		return nil, err
	}
	resp.Subscription = subscriptionView(sub)
	return resp, nil
}

// VerifyLicense decodes a license token and checks it against the stored
// subscription.
func (lm *LicenseManager) VerifyLicense(ctx context.Context, token string) (*protocol.LicenseView, error) {
	payload, err := lm.issuer.Decode(token)
	if err != nil {
		return nil, err
	}
	if payload.Expired(lm.now()) {
		return nil, protocol.ErrSubscriptionExpired
	}
	sub, err := lm.storage.GetSubscription(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, errSubscriptionMissing) {
			return nil, protocol.ErrInvalidToken
		}
		return nil, err
	}
	switch sub.Status {
	case StatusActive:
	case StatusExpired:
		return nil, protocol.ErrSubscriptionExpired
	default:
		return nil, protocol.ErrSubscriptionInactive
	}
	return &protocol.LicenseView{
		SubscriptionID: payload.SubscriptionID,
		Type:           string(payload.Kind),
		ExpiryDate:     payload.ExpiresAt,
		IssuedAt:       payload.IssuedAt,
		Models:         append([]string{}, payload.Models...),
	}, nil
}

// ==================== Administration ====================

// Authorize authenticates bearer and requires an elevated role.
func (lm *LicenseManager) Authorize(ctx context.Context, bearer string) (*Account, error) {
	account, err := lm.Authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if !account.Role.Elevated() {
		return nil, protocol.ErrForbidden
	}
	return account, nil
}

func (lm *LicenseManager) ListAccounts(ctx context.Context) ([]protocol.AccountView, error) {
	accounts, err := lm.storage.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := lm.storage.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	byAccount := make(map[string]*Subscription, len(subs))
	for _, sub := range subs {
		byAccount[sub.AccountID] = sub
	}
	views := make([]protocol.AccountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, accountView(account, byAccount[account.ID]))
	}
	lm.metrics.accounts(len(accounts))
	return views, nil
}

func (lm *LicenseManager) GetAccount(ctx context.Context, accountID string) (*protocol.AccountView, error) {
	account, err := lm.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return lm.view(ctx, account)
}

func (lm *LicenseManager) DeleteAccount(ctx context.Context, actor *Account, accountID string) error {
	target, err := lm.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := lm.canManage(actor, target); err != nil {
		return err
	}
	if err := lm.storage.DeleteAccount(ctx, target.ID); err != nil {
		return mapStorageErr(err)
	}
	lm.logger.Info("account deleted", "account", target.ID, "actor", actor.ID)
	return nil
}

func (lm *LicenseManager) ResetLock(ctx context.Context, actor *Account, accountID string) (*protocol.AccountView, error) {
	target, err := lm.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	wasBound := target.Bound()
	if err := lm.binder.ResetLock(ctx, actor, target); err != nil {
		return nil, mapStorageErr(err)
	}
	if wasBound && !target.Bound() {
		lm.metrics.lockReset()
		lm.logger.Info("device lock reset", "account", target.ID, "actor", actor.ID)
	}
	return lm.view(ctx, target)
}

// ExtendSubscription pushes the expiry forward by days, reactivates the
// subscription and re-issues its token.
func (lm *LicenseManager) ExtendSubscription(ctx context.Context, accountID string, days int) (*protocol.AccountView, error) {
	if days <= 0 {
		return nil, protocol.ErrBadRequest.WithMessage("days must be positive")
	}
	account, sub, err := lm.loadWithSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.Kind == SubscriptionPermanent {
		return nil, protocol.ErrBadRequest.WithMessage("permanent subscriptions cannot be extended")
	}
	sub.ExpiresAt = sub.ExpiresAt.AddDate(0, 0, days)
	sub.Status = StatusActive
	if _, err := lm.issue(ctx, sub); err != nil {
		return nil, err
	}
	lm.logger.Info("subscription extended", "subscription", sub.ID, "days", days, "expires_at", sub.ExpiresAt)
	view := accountView(account, sub)
	return &view, nil
}

func (lm *LicenseManager) UpdateModels(ctx context.Context, accountID string, models []string) (*protocol.AccountView, error) {
	normalized := normalizeModels(models)
	if len(normalized) == 0 {
		return nil, protocol.ErrBadRequest.WithMessage("at least one model is required")
	}
	account, sub, err := lm.loadWithSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sub.Models = normalized
	if _, err := lm.issue(ctx, sub); err != nil {
		return nil, err
	}
	view := accountView(account, sub)
	return &view, nil
}

// SetSubscriptionStatus suspends or reactivates a subscription. Reactivation
// re-issues the token; an elapsed rental cannot be reactivated, only extended.
func (lm *LicenseManager) SetSubscriptionStatus(ctx context.Context, accountID, status string) (*protocol.AccountView, error) {
	target := SubscriptionStatus(strings.ToLower(strings.TrimSpace(status)))
	if target != StatusActive && target != StatusSuspended {
		return nil, protocol.ErrBadRequest.WithMessage("status must be active or suspended")
	}
	account, sub, err := lm.loadWithSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := lm.now().UTC()
	if target == StatusActive && sub.Expired(now) {
		return nil, protocol.ErrSubscriptionExpired.WithMessage("subscription has expired; extend it instead")
	}
	if sub.Status == target {
		view := accountView(account, sub)
		return &view, nil
	}
	sub.Status = target
	sub.UpdatedAt = now
	if target == StatusActive {
		if _, err := lm.issue(ctx, sub); err != nil {
			return nil, err
		}
	} else if err := lm.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	lm.logger.Info("subscription status changed", "subscription", sub.ID, "status", sub.Status)
	view := accountView(account, sub)
	return &view, nil
}

func (lm *LicenseManager) SetAccountActive(ctx context.Context, actor *Account, accountID string, active bool) (*protocol.AccountView, error) {
	target, err := lm.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := lm.canManage(actor, target); err != nil {
		return nil, err
	}
	if target.Active != active {
		target.Active = active
		target.UpdatedAt = lm.now().UTC()
		if err := lm.storage.UpdateAccount(ctx, target); err != nil {
			return nil, mapStorageErr(err)
		}
		lm.logger.Info("account active flag changed", "account", target.ID, "active", active, "actor", actor.ID)
	}
	return lm.view(ctx, target)
}

func (lm *LicenseManager) ListLogins(ctx context.Context, accountID string) ([]protocol.LoginRecordView, error) {
	if _, err := lm.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	records, err := lm.storage.ListLogins(ctx, accountID)
	if err != nil {
		return nil, err
	}
	views := make([]protocol.LoginRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, loginRecordView(record))
	}
	return views, nil
}

// Sweep marks every elapsed active rental as expired and returns how many
// changed.
func (lm *LicenseManager) Sweep(ctx context.Context) (int, error) {
	changed, err := lm.storage.ExpireSubscriptions(ctx, lm.now().UTC())
	if err != nil {
		return 0, err
	}
	lm.metrics.expiredSwept(len(changed))
	if accounts, err := lm.storage.ListAccounts(ctx); err != nil {
		lm.logger.Warn("failed to count accounts", "error", err)
	} else {
		lm.metrics.accounts(len(accounts))
	}
	if len(changed) > 0 {
		lm.logger.Info("expired subscriptions", "count", len(changed), "ids", changed)
	}
	return len(changed), nil
}

// canManage guards destructive actions: nobody acts on themselves or on a
// superadmin, and only a superadmin acts on an admin.
func (lm *LicenseManager) canManage(actor, target *Account) error {
	if actor == nil || !actor.Role.Elevated() {
		return protocol.ErrForbidden
	}
	if actor.ID == target.ID || target.Role == RoleSuperadmin {
		return protocol.ErrForbidden
	}
	if target.Role == RoleAdmin && actor.Role != RoleSuperadmin {
		return protocol.ErrForbidden
	}
	return nil
}

func (lm *LicenseManager) issue(ctx context.Context, sub *Subscription) (string, error) {
	token, err := lm.issuer.Issue(ctx, sub)
	if err != nil {
		return "", err
	}
	lm.metrics.tokenIssued()
	return token, nil
}

func (lm *LicenseManager) loadAccount(ctx context.Context, accountID string) (*Account, error) {
	account, err := lm.storage.GetAccount(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return account, nil
}

func (lm *LicenseManager) loadWithSubscription(ctx context.Context, accountID string) (*Account, *Subscription, error) {
	account, err := lm.loadAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := lm.storage.GetSubscriptionByAccount(ctx, account.ID)
	if err != nil {
		return nil, nil, mapStorageErr(err)
	}
	return account, sub, nil
}

func (lm *LicenseManager) view(ctx context.Context, account *Account) (*protocol.AccountView, error) {
	sub, err := lm.storage.GetSubscriptionByAccount(ctx, account.ID)
	if err != nil && !errors.Is(err, errSubscriptionMissing) {
		return nil, err
	}
	view := accountView(account, sub)
	return &view, nil
}

func mapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errAccountExists):
		return protocol.ErrAccountExists
	case errors.Is(err, errAccountMissing):
		return protocol.ErrAccountNotFound
	case errors.Is(err, errSubscriptionMissing):
		return protocol.ErrNoSubscription
	default:
		return err
	}
}

func randomSecret(numBytes int) (string, error) {
	if numBytes <= 0 {
		return "", fmt.Errorf("secret length must be positive")
	}
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

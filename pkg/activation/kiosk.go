package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oarkflow/kiosklicense/pkg/client"
)

// ErrSessionEnded is returned by Watch when the kiosk session was revoked
// or expired while the application was running.
var ErrSessionEnded = errors.New("license session ended")

// Kiosk adapts a SessionStore to runner.Client.
type Kiosk struct {
	store       *client.SessionStore
	serverURL   string
	fingerprint string
}

func NewKiosk(store *client.SessionStore, serverURL, fingerprint string) *Kiosk {
	return &Kiosk{store: store, serverURL: serverURL, fingerprint: fingerprint}
}

func (k *Kiosk) ServerURL() string { return k.serverURL }

func (k *Kiosk) IsActivated() bool { return k.store.IsLocallyValid() }

// Login signs in with the device fingerprint attached.
func (k *Kiosk) Login(ctx context.Context, email, password string) error {
	_, err := k.store.Login(ctx, email, password, k.fingerprint)
	return err
}

// Verify revalidates with the server. An unreachable server is tolerated
// as long as the cached session is still valid.
func (k *Kiosk) Verify(ctx context.Context) (*client.Session, error) {
	valid, err := k.store.Revalidate(ctx)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("no active license session on this device")
	}
	return k.store.Current(), nil
}

// Watch runs a watchdog over the session and returns ErrSessionEnded once
// it is gone, or nil when ctx is cancelled first.
func Watch(store *client.SessionStore, opts ...client.WatchdogOption) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ended := make(chan struct{})
		var once sync.Once
		all := append(append([]client.WatchdogOption(nil), opts...), client.OnSessionEnded(func() {
			once.Do(func() { close(ended) })
		}))
		done := make(chan error, 1)
		go func() { done <- client.NewWatchdog(store, all...).Run(ctx) }()
		select {
		case <-ended:
			cancel()
			<-done
			return ErrSessionEnded
		case err := <-done:
			return err
		}
	}
}

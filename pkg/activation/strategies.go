package activation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oarkflow/kiosklicense/pkg/client"
	"github.com/oarkflow/kiosklicense/pkg/runner"
)

type Strategy = runner.ActivationStrategy[*client.Session]

// Credentials pre-fill a login, usually from LICENSE_CLIENT_EMAIL and
// LICENSE_CLIENT_PASSWORD.
type Credentials struct {
	Email    string
	Password string
}

// PromptIO controls where interactive prompts read from and write to.
type PromptIO struct {
	In  io.Reader
	Out io.Writer
}

// ForMode builds a composed login strategy for the requested mode.
func ForMode(mode string, creds Credentials, pio PromptIO) Strategy {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "env":
		return Env(creds)
	case "prompt":
		return Prompt(pio)
	case "verify":
		return VerifyOnly()
	default:
		return Auto(creds, pio)
	}
}

// Auto keeps a restored session, then tries configured credentials, then
// asks interactively.
func Auto(creds Credentials, pio PromptIO) Strategy {
	return runner.ComposeActivation(
		runner.EnsureExistingActivation[*client.Session]{},
		Env(creds),
		Prompt(pio),
	)
}

func Env(creds Credentials) Strategy {
	return envStrategy{creds: creds}
}

func Prompt(pio PromptIO) Strategy {
	return promptStrategy{io: pio}
}

// VerifyOnly only allows an already logged-in kiosk to proceed.
func VerifyOnly() Strategy {
	return runner.EnsureExistingActivation[*client.Session]{}
}

func asKiosk(c runner.Client[*client.Session]) (*Kiosk, error) {
	kiosk, ok := c.(*Kiosk)
	if !ok {
		return nil, fmt.Errorf("login requires *activation.Kiosk, got %T", c)
	}
	return kiosk, nil
}

type envStrategy struct {
	creds Credentials
}

func (s envStrategy) EnsureActivated(ctx context.Context, c runner.Client[*client.Session]) error {
	kiosk, err := asKiosk(c)
	if err != nil {
		return err
	}
	if kiosk.IsActivated() {
		return nil
	}
	email := strings.TrimSpace(s.creds.Email)
	if email == "" || s.creds.Password == "" {
		return fmt.Errorf("credential login not configured (set LICENSE_CLIENT_EMAIL and LICENSE_CLIENT_PASSWORD)")
	}
	return kiosk.Login(ctx, email, s.creds.Password)
}

type promptStrategy struct {
	io PromptIO
}

func (s promptStrategy) EnsureActivated(ctx context.Context, c runner.Client[*client.Session]) error {
	kiosk, err := asKiosk(c)
	if err != nil {
		return err
	}
	if kiosk.IsActivated() {
		return nil
	}

	reader := s.reader()
	writer := s.writer()
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "⚠️  Kiosk login required")
	fmt.Fprintln(writer)

	email, err := prompt(reader, writer, "Email: ")
	if err != nil {
		return err
	}
	password, err := prompt(reader, writer, "Password: ")
	if err != nil {
		return err
	}
	if err := kiosk.Login(ctx, email, password); err != nil {
		if client.IsTransient(err) {
			fmt.Fprintln(writer, "\n❌ Licensing server unreachable; try again once the network is back")
		} else {
			fmt.Fprintf(writer, "\n❌ %v\n", err)
		}
		return err
	}
	fmt.Fprintln(writer, "\n✅ Logged in")
	return nil
}

func (s promptStrategy) reader() *bufio.Reader {
	if reader, ok := s.io.In.(*bufio.Reader); ok && reader != nil {
		return reader
	}
	if s.io.In == nil {
		return bufio.NewReader(os.Stdin)
	}
	return bufio.NewReader(s.io.In)
}

func (s promptStrategy) writer() io.Writer {
	if s.io.Out != nil {
		return s.io.Out
	}
	return os.Stdout
}

func prompt(reader *bufio.Reader, writer io.Writer, label string) (string, error) {
	fmt.Fprint(writer, label)
	text, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if errors.Is(err, io.EOF) && !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(writer)
	}
	value := strings.TrimSpace(text)
	if value == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(strings.TrimSuffix(label, ": ")))
	}
	return value, nil
}

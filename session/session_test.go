package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/framefeed/opsync/creds"
	"github.com/framefeed/opsync/internal"
)

type authFake struct {
	loginFn  func(identity, secret string) (string, string, string, error)
	whoAmIFn func(token string) (string, string, error)
}

func (a *authFake) Login(_ context.Context, identity, secret string) (string, string, string, error) {
	return a.loginFn(identity, secret)
}

func (a *authFake) WhoAmI(_ context.Context, token string) (string, string, error) {
	return a.whoAmIFn(token)
}

func TestLoginPersistsCredential(t *testing.T) {
	auth := &authFake{
		loginFn: func(identity, secret string) (string, string, string, error) {
			if identity != "op" || secret != "pw" {
				return "", "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("bad"))
			}
			return "tok1", "op", "Operator", nil
		},
	}
	cs := creds.NewMemoryStore()
	m := NewManager(auth, cs, nil)

	sess, err := m.Login(context.Background(), "op", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Token != "tok1" || sess.Identity.UserID != "op" || sess.Live != LiveConnecting {
		t.Errorf("session wrong: %+v", sess)
	}
	if tok, _ := cs.Get(); tok != "tok1" {
		t.Errorf("credential not persisted: %q", tok)
	}
	if m.Token() != "tok1" {
		t.Errorf("Token() = %q", m.Token())
	}
}

func TestLoginFailureLeavesSessionAbsent(t *testing.T) {
	auth := &authFake{
		loginFn: func(identity, secret string) (string, string, string, error) {
			return "", "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("bad"))
		},
	}
	m := NewManager(auth, creds.NewMemoryStore(), nil)
	if _, err := m.Login(context.Background(), "op", "wrong"); !internal.IsInvalidCredential(err) {
		t.Errorf("want invalid credential, got %v", err)
	}
	if m.Current() != nil {
		t.Errorf("session exists after failed login")
	}
}

func TestRestoreRevalidates(t *testing.T) {
	cs := creds.NewMemoryStore()
	cs.Set("persisted")
	auth := &authFake{
		whoAmIFn: func(token string) (string, string, error) {
			if token != "persisted" {
				t.Errorf("revalidated wrong token %q", token)
			}
			return "op", "Operator", nil
		},
	}
	m := NewManager(auth, cs, nil)
	sess, err := m.Restore(context.Background())
	if err != nil || sess == nil {
		t.Fatalf("Restore: sess=%v err=%v", sess, err)
	}
	if sess.Identity.UserID != "op" || sess.Token != "persisted" {
		t.Errorf("restored session wrong: %+v", sess)
	}
}

func TestRestoreRejectionClearsCredential(t *testing.T) {
	cs := creds.NewMemoryStore()
	cs.Set("expired")
	auth := &authFake{
		whoAmIFn: func(token string) (string, string, error) {
			return "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("HTTP 401"))
		},
	}
	m := NewManager(auth, cs, nil)
	sess, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("rejection must not surface as an error, got %v", err)
	}
	if sess != nil {
		t.Errorf("rejected credential produced a session")
	}
	if tok, _ := cs.Get(); tok != "" {
		t.Errorf("rejected credential not cleared: %q", tok)
	}
}

func TestRestoreNetworkErrorKeepsCredential(t *testing.T) {
	cs := creds.NewMemoryStore()
	cs.Set("maybe-valid")
	auth := &authFake{
		whoAmIFn: func(token string) (string, string, error) {
			return "", "", internal.NewAuthError(internal.AuthNetworkUnavailable, fmt.Errorf("refused"))
		},
	}
	m := NewManager(auth, cs, nil)
	sess, err := m.Restore(context.Background())
	if sess != nil || err == nil {
		t.Fatalf("unreachable backend must error, not mock success: sess=%v err=%v", sess, err)
	}
	if tok, _ := cs.Get(); tok != "maybe-valid" {
		t.Errorf("credential cleared on a transient failure")
	}
}

func TestRestoreWithoutCredential(t *testing.T) {
	m := NewManager(&authFake{}, creds.NewMemoryStore(), nil)
	sess, err := m.Restore(context.Background())
	if sess != nil || err != nil {
		t.Errorf("empty store: sess=%v err=%v", sess, err)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	cs := creds.NewMemoryStore()
	auth := &authFake{
		loginFn: func(identity, secret string) (string, string, string, error) {
			return "tok", "op", "Operator", nil
		},
	}
	m := NewManager(auth, cs, nil)
	m.Login(context.Background(), "op", "pw")
	m.Logout()

	if m.Current() != nil {
		t.Errorf("session survived logout")
	}
	if m.Token() != "" {
		t.Errorf("token survived logout")
	}
	if tok, _ := cs.Get(); tok != "" {
		t.Errorf("persisted credential survived logout: %q", tok)
	}
}

func TestSetLiveState(t *testing.T) {
	auth := &authFake{
		loginFn: func(identity, secret string) (string, string, string, error) {
			return "tok", "op", "Operator", nil
		},
	}
	m := NewManager(auth, creds.NewMemoryStore(), nil)
	// no session: must not panic
	m.SetLiveState(LiveConnected)

	m.Login(context.Background(), "op", "pw")
	m.SetLiveState(LiveConnected)
	if got := m.Current().Live; got != LiveConnected {
		t.Errorf("live state = %s", got)
	}
}

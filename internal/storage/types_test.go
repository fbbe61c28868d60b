package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPipelineStateRoundTrip(t *testing.T) {
	in := LoginSession{
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(time.Hour),
		PipelineState: PipelineState{
			Step: MFAPending{
				Identity:    Identity{UserID: "auth0|u1", AMR: []string{"pwd"}},
				ChallengeID: "otp-1",
				Channel:     "email",
			},
			Attributes: map[string]string{"ui": "new"},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"stage":"MFA_PENDING"`) {
		t.Fatalf("envelope missing stage: %s", b)
	}
	var out LoginSession
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	step, ok := out.PipelineState.Step.(MFAPending)
	if !ok {
		t.Fatalf("step decoded as %T", out.PipelineState.Step)
	}
	if step.UserID != "auth0|u1" || step.ChallengeID != "otp-1" || out.PipelineState.Attributes["ui"] != "new" {
		t.Fatalf("payload lost: %+v", out.PipelineState)
	}
}

func TestPipelineStateUnknownStage(t *testing.T) {
	var p PipelineState
	if err := json.Unmarshal([]byte(`{"stage":"TELEPORTED"}`), &p); err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if err := json.Unmarshal([]byte(`{}`), &p); err != nil || p.Stage() != StageStarted {
		t.Fatalf("empty envelope: stage=%s err=%v", p.Stage(), err)
	}
}

func TestPrepareStampsAndValidates(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	u := User{Email: "  Ada@Example.COM "}
	if err := Prepare(&u, "t1", now); err != nil {
		t.Fatal(err)
	}
	if u.TenantID != "t1" || u.Email != "ada@example.com" || !strings.HasPrefix(u.ID, "auth0|") {
		t.Fatalf("user not stamped: %+v", u)
	}
	if u.Connection != DefaultConnection || !u.CreatedAt.Equal(now) {
		t.Fatalf("defaults missing: %+v", u)
	}

	rs := ResourceServer{Identifier: "https://api", SigningAlg: SigningHS256}
	if err := Prepare(&rs, "t1", now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("HS256 without secret err = %v", err)
	}

	f := Flow{Name: "dup", Actions: []ActionStep{
		{ID: "a", Type: ActionTypeAuth0, Action: "GET_USER"},
		{ID: "a", Type: ActionTypeEmail, Action: "VERIFY_EMAIL"},
	}}
	if err := Prepare(&f, "t1", now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate step ids err = %v", err)
	}

	c := Code{ID: "x", Type: CodeOTP, ExpiresAt: now.Add(-time.Second)}
	if err := Prepare(&c, "t1", now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("code expiring before creation err = %v", err)
	}
}

func TestClientAllowsGrant(t *testing.T) {
	spa := Client{AppType: AppTypeSPA}
	if spa.AllowsGrant("client_credentials") {
		t.Fatal("public clients must not use client_credentials by default")
	}
	m2m := Client{AppType: AppTypeNonInteractive, GrantTypes: []string{"client_credentials"}}
	if !m2m.AllowsGrant("client_credentials") || m2m.AllowsGrant("authorization_code") {
		t.Fatal("explicit grant list not honoured")
	}
}

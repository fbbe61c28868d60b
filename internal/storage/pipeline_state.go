package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stage names the position of a login session in its state machine.
type Stage string

const (
	StageStarted            Stage = "STARTED"
	StageIdentifierEntered  Stage = "IDENTIFIER_ENTERED"
	StageCredentialVerified Stage = "CREDENTIAL_VERIFIED"
	StageMFAPending         Stage = "MFA_PENDING"
	StageMFAVerified        Stage = "MFA_VERIFIED"
	StageConsentPending     Stage = "CONSENT_PENDING"
	StageCompleted          Stage = "COMPLETED"
	StageAbandoned          Stage = "ABANDONED"
)

// Step is the stage-specific payload of a login session. The set of
// implementations is closed.
type Step interface {
	Stage() Stage
	isStep()
}

// Identity is what the session knows about the authenticated subject.
type Identity struct {
	UserID     string   `json:"user_id"`
	Connection string   `json:"connection,omitempty"`
	AMR        []string `json:"amr,omitempty"`
}

type Started struct{}

type IdentifierEntered struct {
	Username   string `json:"username"`
	Connection string `json:"connection,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type CredentialVerified struct {
	Identity
}

type MFAPending struct {
	Identity
	ChallengeID string `json:"challenge_id"`
	Channel     string `json:"channel"`
}

type MFAVerified struct {
	Identity
}

type ConsentPending struct {
	Identity
	Scopes []string `json:"scopes"`
}

type Completed struct {
	UserID      string    `json:"user_id"`
	AMR         []string  `json:"amr,omitempty"`
	CodeID      string    `json:"code_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type Abandoned struct {
	From   Stage  `json:"from"`
	Reason string `json:"reason"`
}

func (Started) Stage() Stage            { return StageStarted }
func (IdentifierEntered) Stage() Stage  { return StageIdentifierEntered }
func (CredentialVerified) Stage() Stage { return StageCredentialVerified }
func (MFAPending) Stage() Stage         { return StageMFAPending }
func (MFAVerified) Stage() Stage        { return StageMFAVerified }
func (ConsentPending) Stage() Stage     { return StageConsentPending }
func (Completed) Stage() Stage          { return StageCompleted }
func (Abandoned) Stage() Stage          { return StageAbandoned }

func (Started) isStep()            {}
func (IdentifierEntered) isStep()  {}
func (CredentialVerified) isStep() {}
func (MFAPending) isStep()         {}
func (MFAVerified) isStep()        {}
func (ConsentPending) isStep()     {}
func (Completed) isStep()          {}
func (Abandoned) isStep()          {}

// PipelineState is the persisted continuation of a login session.
type PipelineState struct {
	Step       Step
	Attributes map[string]string
}

// Stage returns the current stage, STARTED for a zero state.
func (p PipelineState) Stage() Stage {
	if p.Step == nil {
		return StageStarted
	}
	return p.Step.Stage()
}

// Equal compares two states by their persisted form.
func (p PipelineState) Equal(o PipelineState) bool {
	a, err := json.Marshal(p)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// With returns a copy of p with the attribute k set to v.
func (p PipelineState) With(k, v string) PipelineState {
	attrs := make(map[string]string, len(p.Attributes)+1)
	for key, val := range p.Attributes {
		attrs[key] = val
	}
	attrs[k] = v
	p.Attributes = attrs
	return p
}

// Without returns a copy of p with the attribute k removed.
func (p PipelineState) Without(k string) PipelineState {
	if _, ok := p.Attributes[k]; !ok {
		return p
	}
	var attrs map[string]string
	for key, val := range p.Attributes {
		if key == k {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string, len(p.Attributes))
		}
		attrs[key] = val
	}
	p.Attributes = attrs
	return p
}

type pipelineEnvelope struct {
	Stage      Stage             `json:"stage"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p PipelineState) MarshalJSON() ([]byte, error) {
	step := p.Step
	if step == nil {
		step = Started{}
	}
	data, err := json.Marshal(step)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pipelineEnvelope{Stage: step.Stage(), Data: data, Attributes: p.Attributes})
}

func (p *PipelineState) UnmarshalJSON(b []byte) error {
	var env pipelineEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	var (
		step Step
		err  error
	)
	switch env.Stage {
	case StageStarted, "":
		step = Started{}
	case StageIdentifierEntered:
		step = decodeStep[IdentifierEntered](env.Data, &err)
	case StageCredentialVerified:
		step = decodeStep[CredentialVerified](env.Data, &err)
	case StageMFAPending:
		step = decodeStep[MFAPending](env.Data, &err)
	case StageMFAVerified:
		step = decodeStep[MFAVerified](env.Data, &err)
	case StageConsentPending:
		step = decodeStep[ConsentPending](env.Data, &err)
	case StageCompleted:
		step = decodeStep[Completed](env.Data, &err)
	case StageAbandoned:
		step = decodeStep[Abandoned](env.Data, &err)
	default:
		return fmt.Errorf("storage: unknown pipeline stage %q", env.Stage)
	}
	if err != nil {
		return fmt.Errorf("storage: decode %s state: %w", env.Stage, err)
	}
	p.Step = step
	p.Attributes = env.Attributes
	return nil
}

func decodeStep[S Step](data json.RawMessage, errp *error) Step {
	var s S
	if len(data) == 0 || string(data) == "null" {
		return s
	}
	if e := json.Unmarshal(data, &s); e != nil {
		*errp = e
	}
	return s
}

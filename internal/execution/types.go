package execution

import (
	"strconv"
	"time"
)

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	// ActionStatusUnknown marks a broadcast whose confirmation timed out.
	ActionStatusUnknown ActionStatus = "unknown"
)

// Valid reports whether s is a known status. The empty status matches any in filters.
func (s ActionStatus) Valid() bool {
	switch s {
	case "", ActionStatusRunning, ActionStatusCompleted, ActionStatusFailed, ActionStatusUnknown:
		return true
	}
	return false
}

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval    StepType = "approval"
	StepTypeWrap        StepType = "wrap"
	StepTypeSwap        StepType = "swap"
	StepTypeTransfer    StepType = "transfer"
	StepTypeNFTTransfer StepType = "nft_transfer"
)

type ActionStep struct {
	StepID   string     `json:"step_id"`
	Type     StepType   `json:"type"`
	Status   StepStatus `json:"status"`
	Provider string     `json:"provider,omitempty"`
	Target   string     `json:"target,omitempty"`
	Value    string     `json:"value,omitempty"`
	TxHash   string     `json:"tx_hash,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type Action struct {
	ActionID    string         `json:"action_id"`
	IntentType  string         `json:"intent_type"`
	Provider    string         `json:"provider,omitempty"`
	Status      ActionStatus   `json:"status"`
	ChainID     string         `json:"chain_id"`
	Account     string         `json:"account,omitempty"`
	FromAddress string         `json:"from_address,omitempty"`
	ToAddress   string         `json:"to_address,omitempty"`
	InputAmount string         `json:"input_amount,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Steps       []ActionStep   `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func NewAction(actionID, intentType, chainID string) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:   actionID,
		IntentType: intentType,
		Status:     ActionStatusRunning,
		ChainID:    chainID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Record appends a step and returns its index.
func (a *Action) Record(step ActionStep) int {
	if step.StepID == "" {
		step.StepID = string(step.Type) + "-" + strconv.Itoa(len(a.Steps)+1)
	}
	if step.Status == "" {
		step.Status = StepStatusPending
	}
	a.Steps = append(a.Steps, step)
	a.Touch()
	return len(a.Steps) - 1
}

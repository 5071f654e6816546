package session

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spatters/core/deadline"
	"spatters/core/effects"
	"spatters/core/types"
)

// View is where the caller's mint attempt stands.
type View int

const (
	ViewIdle View = iota
	ViewCommitPending
	ViewAwaitingSettle
	ViewCandidatesReady
	ViewSelectionMade
	ViewCompletePending
	ViewCompleted
	ViewExpired
	ViewBlockedByOther
)

var viewNames = [...]string{
	ViewIdle:            "Idle",
	ViewCommitPending:   "CommitPending",
	ViewAwaitingSettle:  "AwaitingSettle",
	ViewCandidatesReady: "CandidatesReady",
	ViewSelectionMade:   "SelectionMade",
	ViewCompletePending: "CompletePending",
	ViewCompleted:       "Completed",
	ViewExpired:         "Expired",
	ViewBlockedByOther:  "BlockedByOther",
}

func (v View) String() string {
	if int(v) < len(viewNames) {
		return viewNames[v]
	}
	return "Unknown"
}

// MarshalText renders the view name.
func (v View) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses a view name, so clients can decode streamed states.
func (v *View) UnmarshalText(text []byte) error {
	for i, name := range viewNames {
		if name == string(text) {
			*v = View(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown view %q", text)
}

// ViewNames lists every view name, for metrics.
func ViewNames() []string {
	return append([]string(nil), viewNames[:]...)
}

// Action is the single legal next step for the caller.
type Action int

const (
	ActionNone Action = iota
	ActionCommit
	ActionWaitSettle
	ActionRequest
	ActionSelect
	ActionComplete
)

var actionNames = [...]string{
	ActionNone:       "none",
	ActionCommit:     "commit",
	ActionWaitSettle: "wait-settle",
	ActionRequest:    "request",
	ActionSelect:     "select",
	ActionComplete:   "complete",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// MarshalText renders the action name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name.
func (a *Action) UnmarshalText(text []byte) error {
	for i, name := range actionNames {
		if name == string(text) {
			*a = Action(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown action %q", text)
}

// Op is a contract write the session may have in flight.
type Op int

const (
	OpNone Op = iota
	OpCommit
	OpRequest
	OpComplete
	OpDirectMint
)

func (o Op) String() string {
	switch o {
	case OpCommit:
		return "commit"
	case OpRequest:
		return "request"
	case OpComplete:
		return "complete"
	case OpDirectMint:
		return "owner-mint"
	default:
		return "none"
	}
}

// MarshalText renders the op name.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses an op name.
func (o *Op) UnmarshalText(text []byte) error {
	for _, op := range []Op{OpNone, OpCommit, OpRequest, OpComplete, OpDirectMint} {
		if op.String() == string(text) {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("session: unknown op %q", text)
}

// Gate explains why a commit is currently refused.
type Gate string

const (
	GateNone     Gate = ""
	GateNotOwner Gate = "not-owner"
	GateReserve  Gate = "owner-reserve"
	GateCooldown Gate = "cooldown"
	GateSoldOut  Gate = "sold-out"
)

// Windows holds the protocol time constants.
type Windows struct {
	Settle    time.Duration
	Selection time.Duration
	Cooldown  time.Duration
}

// DefaultWindows returns the contract's constants.
func DefaultWindows() Windows {
	return Windows{
		Settle:    deadline.SettleDelay,
		Selection: deadline.SelectionWindow,
		Cooldown:  deadline.PublicCooldown,
	}
}

func (w Windows) withDefaults() Windows {
	def := DefaultWindows()
	if w.Settle <= 0 {
		w.Settle = def.Settle
	}
	if w.Selection <= 0 {
		w.Selection = def.Selection
	}
	if w.Cooldown <= 0 {
		w.Cooldown = def.Cooldown
	}
	return w
}

// Input is everything the view derivation depends on.
type Input struct {
	Snapshot types.Snapshot
	Caller   common.Address
	Variant  types.Variant
	Now      time.Time
	Windows  Windows

	// Choice is the option picked locally this session, if any.
	Choice *int
	// Pending is the write currently awaiting confirmation.
	Pending Op
	// Completion is a confirmed completion the caller has not reset yet.
	Completion *effects.Completion
}

// Result is the derived view and the action it permits.
type Result struct {
	View        View            `json:"view"`
	Next        Action          `json:"next"`
	Gate        Gate            `json:"gate,omitempty"`
	Pending     Op              `json:"pending"`
	Busy        bool            `json:"busy"`
	Variant     string          `json:"variant"`
	Seeds       []types.Seed    `json:"seeds,omitempty"`
	Palette     *types.Palette  `json:"palette,omitempty"`
	Choice      *int            `json:"choice,omitempty"`
	ClearChoice bool            `json:"clearChoice,omitempty"`
	BlockedBy   *common.Address `json:"blockedBy,omitempty"`
	DirectMint  bool            `json:"directMint"`
	TokenID     uint64          `json:"tokenId,omitempty"`
	TxHash      *common.Hash    `json:"txHash,omitempty"`
	Supply      types.Supply    `json:"supply"`
	Price       *big.Int        `json:"price,omitempty"`
	Now         time.Time       `json:"now"`

	SelectionDeadline *deadline.Status `json:"selectionDeadline,omitempty"`
	SettleDeadline    *deadline.Status `json:"settleDeadline,omitempty"`
	CooldownDeadline  *deadline.Status `json:"cooldownDeadline,omitempty"`
}

// DeriveView classifies the caller's session from one fresh read. It is pure:
// the same input always yields the same result.
func DeriveView(in Input) Result {
	s := in.Snapshot
	w := in.Windows.withDefaults()
	res := Result{
		Pending: in.Pending,
		Busy:    in.Pending != OpNone,
		Variant: in.Variant.String(),
		Supply:  s.Supply,
		Now:     in.Now,
	}
	if s.Price != nil && in.Variant == types.VariantPublic {
		res.Price = new(big.Int).Set(s.Price)
	}
	gate, cooldown := commitGate(in, w)
	res.CooldownDeadline = cooldown
	owned := s.Selection.HeldBy(in.Caller)

	// Another wallet holds the global slot.
	if s.Selection.Active && !owned && s.Selection.Requester != (common.Address{}) && in.Now.Before(s.Selection.ExpiresAt) {
		res.View = ViewBlockedByOther
		res.Next = ActionNone
		holder := s.Selection.Requester
		res.BlockedBy = &holder
		st := deadline.Evaluate(deadline.NewWindow(s.Selection.ExpiresAt.Add(-w.Selection), w.Selection), in.Now)
		res.SelectionDeadline = &st
		return res
	}

	switch in.Pending {
	case OpComplete, OpDirectMint:
		res.View = ViewCompletePending
		res.Next = ActionNone
		res.Choice = copyChoice(in.Choice)
		return res
	case OpCommit:
		res.View = ViewCommitPending
		res.Next = ActionNone
		return res
	}

	// The caller's candidate set, always restored from the read.
	if owned && s.Request.HasSeeds() && !s.Request.Completed {
		window := selectionWindow(s, w)
		st := deadline.Evaluate(window, in.Now)
		res.SelectionDeadline = &st
		if !st.Expired {
			res.Seeds = append([]types.Seed(nil), s.Request.Seeds[:]...)
			if s.Request.HasCustomPalette && s.PendingPalette.IsCustom() {
				palette := s.PendingPalette
				res.Palette = &palette
			}
			if validChoice(in.Choice) {
				res.View = ViewSelectionMade
				res.Next = ActionComplete
				res.Choice = copyChoice(in.Choice)
			} else {
				res.View = ViewCandidatesReady
				res.Next = ActionSelect
			}
			return res
		}
		res.View = ViewExpired
		res.ClearChoice = true
		res.Next, res.Gate = idleAction(in.Pending, gate)
		res.DirectMint = directMintAllowed(in)
		return res
	}

	// A commit of the expected variant waits for randomness to settle.
	if owned && s.Commit.Exists() && s.Commit.Matches(in.Variant) &&
		in.Now.Before(s.Commit.Timestamp.Add(w.Selection)) {
		st := deadline.Evaluate(deadline.NewWindow(s.Commit.Timestamp, w.Settle), in.Now)
		res.SettleDeadline = &st
		res.View = ViewAwaitingSettle
		switch {
		case in.Pending == OpRequest:
			res.Next = ActionNone
		case !st.Expired:
			res.Next = ActionWaitSettle
		default:
			res.Next = ActionRequest
		}
		return res
	}

	// A local completion only stands while the read shows nothing newer for
	// the caller.
	if in.Completion != nil {
		res.View = ViewCompleted
		res.TokenID = in.Completion.TokenID()
		hash := in.Completion.TxHash
		res.TxHash = &hash
		res.Next, res.Gate = idleAction(in.Pending, gate)
		res.DirectMint = directMintAllowed(in)
		return res
	}

	res.View = ViewIdle
	res.Next, res.Gate = idleAction(in.Pending, gate)
	res.DirectMint = directMintAllowed(in)
	return res
}

// selectionWindow prefers the contract's own expiry for the caller's slot and
// falls back to the request timestamp plus the configured window.
func selectionWindow(s types.Snapshot, w Windows) deadline.Window {
	start := s.Request.Timestamp
	if !s.Selection.ExpiresAt.IsZero() && s.Selection.ExpiresAt.After(start) {
		return deadline.NewWindow(start, s.Selection.ExpiresAt.Sub(start))
	}
	return deadline.NewWindow(start, w.Selection)
}

func idleAction(pending Op, gate Gate) (Action, Gate) {
	if pending != OpNone {
		return ActionNone, gate
	}
	if gate != GateNone {
		return ActionNone, gate
	}
	return ActionCommit, GateNone
}

func commitGate(in Input, w Windows) (Gate, *deadline.Status) {
	s := in.Snapshot
	if s.Supply.SoldOut() {
		return GateSoldOut, nil
	}
	if in.Variant == types.VariantOwner {
		if s.Owner != in.Caller {
			return GateNotOwner, nil
		}
		return GateNone, nil
	}
	if !s.Supply.PublicOpen() {
		return GateReserve, nil
	}
	if s.LastGlobalMint.IsZero() {
		return GateNone, nil
	}
	st := deadline.Evaluate(deadline.NewWindow(s.LastGlobalMint, w.Cooldown), in.Now)
	if !st.Expired {
		return GateCooldown, &st
	}
	return GateNone, &st
}

func directMintAllowed(in Input) bool {
	s := in.Snapshot
	return in.Pending == OpNone && s.Owner != (common.Address{}) && s.Owner == in.Caller && !s.Supply.SoldOut()
}

func validChoice(choice *int) bool {
	return choice != nil && *choice >= 0 && *choice < types.CandidateCount
}

func copyChoice(choice *int) *int {
	if !validChoice(choice) {
		return nil
	}
	v := *choice
	return &v
}

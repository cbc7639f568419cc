// internal/tasks/wallet/wallet.go
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/browser/session"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// Name is the registry name of the wallet task.
const Name = "wallet"

// Profile fields the task reads.
const (
	FieldPin    = "pin"
	FieldWallet = "wallet"
)

const (
	defaultProbeTimeout = 5 * time.Second
	unlockRounds        = 3
	chainRounds         = 2
)

var (
	// ErrNeedsImport means the extension has no wallet yet.
	ErrNeedsImport = errors.New("wallet: needs to be imported")
	// ErrNoPin means the profile has no PIN to unlock with.
	ErrNoPin = errors.New("wallet: profile has no pin")
	// ErrWrongPin means the extension rejected the PIN.
	ErrWrongPin = errors.New("wallet: incorrect pin code")
	// ErrLocked means no unlock path was recognized.
	ErrLocked = errors.New("wallet: still locked")
	// ErrChain means the configured chain could not be selected.
	ErrChain = errors.New("wallet: could not select chain")
	// ErrLowBalance means the balance is under wallet.min_balance.
	ErrLowBalance = errors.New("wallet: balance too low")
	// ErrInsufficientFunds means the extension refused the amount.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrNotConfirmed means every attempt ended before the Confirm click.
	ErrNotConfirmed = errors.New("wallet: transfer not confirmed")
)

// Task drives the wallet extension for one profile.
type Task struct {
	cfg          config.WalletConfig
	probeTimeout time.Duration
}

// Option configures a Task.
type Option func(*Task)

// WithProbeTimeout bounds the short lookups used to check for optional page
// states, such as a wrong PIN message.
func WithProbeTimeout(d time.Duration) Option {
	return func(t *Task) { t.probeTimeout = d }
}

// New builds the wallet task.
func New(cfg config.WalletConfig, opts ...Option) *Task {
	t := &Task{cfg: cfg, probeTimeout: defaultProbeTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ worker.Task = (*Task)(nil)

// Name implements worker.Task.
func (t *Task) Name() string { return Name }

// HomeURL is the extension's main page.
func (t *Task) HomeURL() string {
	return fmt.Sprintf("chrome-extension://%s/home.html", t.cfg.ExtensionID)
}

// Setup opens the extension so the operator can import or unlock the wallet
// by hand.
func (t *Task) Setup(ctx context.Context, job worker.Job) error {
	s := job.Session
	if err := s.NewTab(ctx, t.HomeURL(), session.MethodGet); err != nil {
		return err
	}
	return s.Pacer().Sleep(ctx, t.cfg.SetupHold)
}

// Run unlocks the wallet, claims the daily check-in and sends up to
// wallet.max_transfers transfers to peer wallets. Check-in and transfer
// failures are reported in the result without failing the run.
func (t *Task) Run(ctx context.Context, job worker.Job) (worker.Result, error) {
	f := &flow{task: t, s: job.Session, profile: job.Profile, peers: job.Peers}
	err := f.s.ExecuteChain(ctx, "wallet flow",
		session.Required("open", f.open),
		session.Required("unlock", f.unlock),
		session.Optional("check in", f.checkIn),
		session.Optional("transfers", f.sendAll),
	)
	res := worker.Result{Details: f.details()}
	if err != nil {
		if errors.Is(err, session.ErrStopped) || ctx.Err() != nil {
			return res, err
		}
		// Leave a picture of the page that broke the flow.
		_ = f.s.Snapshot(ctx, failedCaption(err), false)
		return res, err
	}
	if err := f.s.Snapshot(ctx, "Completed: "+f.summary(), false); err != nil {
		return res, err
	}
	return res, nil
}

// failedCaption names the step that broke the flow.
func failedCaption(err error) string {
	var se *session.StepError
	if errors.As(err, &se) {
		return fmt.Sprintf("Wallet %s failed: %v", se.Step, se.Err)
	}
	return "Wallet flow failed: " + err.Error()
}

// flow is the state of one Run.
type flow struct {
	task    *Task
	s       *session.Session
	profile profile.Profile
	peers   []profile.Profile

	unlocked  bool
	checkedIn bool
	sent      int
}

func (f *flow) details() map[string]any {
	return map[string]any{
		"unlocked":   f.unlocked,
		"checked_in": f.checkedIn,
		"transfers":  f.sent,
	}
}

func (f *flow) summary() string {
	var parts []string
	if f.checkedIn {
		parts = append(parts, "checked-in")
	}
	parts = append(parts, fmt.Sprintf("sent %d", f.sent))
	return strings.Join(parts, ", ")
}

func (f *flow) probe() session.CallOption {
	return session.WithTimeout(f.task.probeTimeout)
}

func (f *flow) open(ctx context.Context) error {
	if err := f.s.NewTab(ctx, f.task.HomeURL(), session.MethodGet); err != nil {
		return err
	}
	_, _ = f.s.Find(ctx, locTitle, f.probe(), session.Quiet())
	return nil
}

// unlock reads the extension's buttons to tell which screen it shows and
// enters the PIN when it asks for one.
func (f *flow) unlock(ctx context.Context) error {
	for round := 0; round < unlockRounds; round++ {
		buttons, err := f.s.FindAll(ctx, locButtons)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLocked, err)
		}
		state, err := classify(ctx, buttons)
		if err != nil {
			return err
		}

		switch state {
		case stateImport:
			return errors.Join(ErrNeedsImport, f.s.Snapshot(ctx, "Wallet needs to be imported.", true))
		case stateUnlocked:
			f.s.Log("unlock", "Wallet is unlocked.")
			f.unlocked = true
			return nil
		case stateLocked:
			f.s.Log("unlock", "Unlocking wallet.")
			if err := f.enterPin(ctx); err != nil {
				return err
			}
		default:
			return ErrLocked
		}
	}
	return ErrLocked
}

func (f *flow) enterPin(ctx context.Context) error {
	pin := f.profile.Get(FieldPin)
	if pin == "" {
		return ErrNoPin
	}
	if err := f.s.FindAndInput(ctx, locInput, pin); err != nil {
		return err
	}
	if err := f.s.FindAndClick(ctx, locUnlock); err != nil {
		return err
	}
	if found, _ := f.textIn(ctx, locParagraphs, textWrongPin); found {
		f.s.Log("unlock", "Incorrect PIN.")
		return ErrWrongPin
	}
	return nil
}

// textIn reports whether any element matching loc contains text.
func (f *flow) textIn(ctx context.Context, loc browser.Locator, text string) (bool, error) {
	els, err := f.s.FindAll(ctx, loc, f.probe(), session.Quiet())
	if err != nil {
		return false, err
	}
	_, ok, err := firstContaining(ctx, els, text)
	return ok, err
}

func (f *flow) checkIn(ctx context.Context) error {
	if _, err := f.s.SeeByText(ctx, textDailyKarma, f.probe(), session.Quiet()); err != nil {
		f.s.Log("check_in", "No check-in available.")
		return nil
	}
	if err := f.s.GoTo(ctx, f.task.HomeURL()+"#quests", session.MethodGet); err != nil {
		return err
	}
	buttons, err := f.s.FindAll(ctx, locButtons)
	if err != nil {
		return err
	}
	claim, ok, err := firstContaining(ctx, buttons, textClaim)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("claim button not found")
	}
	if err := f.s.Click(ctx, claim); err != nil {
		return err
	}
	if _, err := f.s.SeeByText(ctx, textClaimed); err != nil {
		return fmt.Errorf("check-in not confirmed: %w", err)
	}
	f.checkedIn = true
	f.s.Log("check_in", "Checked in.")
	return nil
}

func (f *flow) sendAll(ctx context.Context) error {
	for f.sent < f.task.cfg.MaxTransfers {
		if err := f.sendOne(ctx); err != nil {
			f.s.Log("transfer", "Transfers stopped.", zap.Int("sent", f.sent), zap.Error(err))
			if errors.Is(err, session.ErrStopped) || ctx.Err() != nil {
				return err
			}
			return nil
		}
		f.sent++
		f.s.Log("transfer", "Transfer sent.", zap.Int("sent", f.sent))
	}
	return nil
}

// sendOne makes up to wallet.attempts tries at a single transfer. Only a
// transfer that reached the final step is retried.
func (f *flow) sendOne(ctx context.Context) error {
	attempts := max(f.task.cfg.Attempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		err := f.transfer(ctx)
		if !errors.Is(err, ErrNotConfirmed) {
			return err
		}
		f.s.Log("transfer", "Retrying transfer.", zap.Int("attempt", attempt+1))
	}
	return ErrNotConfirmed
}

func (f *flow) transfer(ctx context.Context) error {
	if err := f.s.GoTo(ctx, f.task.HomeURL(), session.MethodGet); err != nil {
		return err
	}
	_, _ = f.s.Find(ctx, locLoaded, f.probe(), session.Quiet())

	if err := f.selectChain(ctx); err != nil {
		return err
	}
	if err := f.s.FindAndClick(ctx, locLegacyWallet); err != nil {
		return err
	}
	if err := f.s.FindAndClick(ctx, locSend); err != nil {
		return err
	}
	if err := f.pickAsset(ctx); err != nil {
		return err
	}
	if err := f.pickRecipient(ctx); err != nil {
		return err
	}

	wc := f.task.cfg
	amount := FormatAmount(f.s.Pacer().Float(wc.MinAmount, wc.MaxAmount), wc.Decimals)
	if err := f.s.FindAndInput(ctx, locInput, amount); err != nil {
		return err
	}
	if err := f.s.FindAndClick(ctx, locNext); err != nil {
		if _, ferr := f.s.Find(ctx, locInsufficient, f.probe(), session.Quiet()); ferr == nil {
			return errors.Join(ErrInsufficientFunds, f.s.Snapshot(ctx, "Insufficient funds.", false))
		}
		return err
	}
	if err := f.s.FindAndClick(ctx, locConfirm); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrNotConfirmed, err)
	}
	f.s.Log("transfer", "Transfer confirmed.", zap.String("amount", amount))
	return nil
}

// selectChain switches the extension to wallet.chain when another one is
// active.
func (f *flow) selectChain(ctx context.Context) error {
	want := f.task.cfg.Chain
	for round := 0; round < chainRounds; round++ {
		el, err := f.s.Find(ctx, locChain)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
		current, err := el.Text(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
		if strings.EqualFold(strings.TrimSpace(current), want) {
			f.s.Log("chain", "Chain selected.", zap.String("chain", want))
			return nil
		}
		if err := f.s.Click(ctx, el); err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
		buttons, err := f.s.FindAll(ctx, locButtons)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
		option, ok, err := firstContaining(ctx, buttons, want+" (eth)")
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := f.s.Click(ctx, option); err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
	}
	return fmt.Errorf("%w: %s", ErrChain, want)
}

// pickAsset checks the native balance and opens its send form.
func (f *flow) pickAsset(ctx context.Context) error {
	asset, err := f.s.Find(ctx, locAsset)
	if err != nil {
		return err
	}
	minBalance := f.task.cfg.MinBalance
	text, err := f.s.GetText(ctx, locAssetBalance, session.Within(asset))
	if err == nil {
		if balance, perr := strconv.ParseFloat(text, 64); perr == nil && balance < minBalance {
			msg := fmt.Sprintf("Not enough balance for a transfer (min %g).", minBalance)
			return errors.Join(ErrLowBalance, f.s.Snapshot(ctx, msg, false))
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	return f.s.Click(ctx, asset)
}

// pickRecipient enters a random peer wallet, or picks the profile's own
// secondary account when no peer has one.
func (f *flow) pickRecipient(ctx context.Context) error {
	addresses := Recipients(f.peers)
	if len(addresses) > 0 {
		to := addresses[f.s.Pacer().Intn(len(addresses))]
		if err := f.s.FindAndInput(ctx, locInput, to, session.WithTypeDelay(0)); err != nil {
			return err
		}
		return f.s.FindAndClick(ctx, locContinue)
	}

	buttons, err := f.s.FindAll(ctx, locButtons)
	if err != nil {
		return err
	}
	own, ok, err := firstContaining(ctx, buttons, textLegacyOwn)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no recipient available")
	}
	return f.s.Click(ctx, own)
}

// Recipients lists the wallet addresses of peers, in order.
func Recipients(peers []profile.Profile) []string {
	var out []string
	for _, p := range peers {
		if w := strings.TrimSpace(p.Get(FieldWallet)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// FormatAmount rounds v to decimals places and prints it with exactly that
// many digits.
func FormatAmount(v float64, decimals int) string {
	scale := math.Pow10(decimals)
	return strconv.FormatFloat(math.Round(v*scale)/scale, 'f', decimals, 64)
}

type screen int

const (
	stateUnknown screen = iota
	stateImport
	stateLocked
	stateUnlocked
)

// classify tells the extension screen apart from its button labels. The
// first recognized button wins.
func classify(ctx context.Context, buttons []browser.Element) (screen, error) {
	for _, b := range buttons {
		text, err := b.Text(ctx)
		if err != nil {
			if errors.Is(err, browser.ErrStale) {
				continue
			}
			return stateUnknown, err
		}
		text = strings.ToLower(text)
		switch {
		case strings.Contains(text, textImport):
			return stateImport, nil
		case strings.Contains(text, textUnlock):
			return stateLocked, nil
		case strings.Contains(text, textAddress):
			return stateUnlocked, nil
		}
	}
	return stateUnknown, nil
}

// firstContaining returns the first element whose text contains needle,
// ignoring case. Stale elements are skipped.
func firstContaining(ctx context.Context, els []browser.Element, needle string) (browser.Element, bool, error) {
	needle = strings.ToLower(needle)
	for _, el := range els {
		text, err := el.Text(ctx)
		if err != nil {
			if errors.Is(err, browser.ErrStale) {
				continue
			}
			return nil, false, err
		}
		if strings.Contains(strings.ToLower(text), needle) {
			return el, true, nil
		}
	}
	return nil, false, nil
}

package service

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sociclaw/credits-gateway/internal/chain"
	"github.com/sociclaw/credits-gateway/internal/ledger"
	"github.com/sociclaw/credits-gateway/internal/metrics"
	"github.com/sociclaw/credits-gateway/internal/repository"
)

// usdcDecimals is the number of base-unit decimals for the supported token.
const usdcDecimals = 1e6

// verifyTimeout bounds a single chain lookup.
const verifyTimeout = 10 * time.Second

// maxAmountProbes caps the +1 base-unit search for a free exact amount.
const maxAmountProbes = 1000

// errTxNotSeen marks a hash the chain has not mined yet.
var errTxNotSeen = errors.New("transaction not seen on chain")

// TopupConfig carries the deposit-lifecycle settings.
type TopupConfig struct {
	MinDepositUSD         float64
	RequiredConfirmations int
	CreditsPerUSD         int64
	SessionTTL            time.Duration
	ClaimWaitTimeout      time.Duration
	ChainName             string
	TokenSymbol           string
}

// TopupManager orchestrates the deposit-to-credit state machine. Status
// transitions go through compare-and-set on the store so concurrent claims
// for one session cannot credit twice; the ledger call itself is additionally
// collapsed per session id.
type TopupManager struct {
	sessions repository.SessionStore
	verifier chain.Verifier
	ledger   ledger.Ledger
	metrics  *metrics.Registry
	cfg      TopupConfig
	credits  singleflight.Group
	now      func() time.Time
}

// NewTopupManager constructs a TopupManager.
func NewTopupManager(sessions repository.SessionStore, verifier chain.Verifier, lg ledger.Ledger, m *metrics.Registry, cfg TopupConfig) *TopupManager {
	return &TopupManager{
		sessions: sessions,
		verifier: verifier,
		ledger:   lg,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID        string
	DepositAddress   string
	AmountBaseUnits  string
	CreditsPerUSD    int64
	CreditsEstimated int64
	MinDepositUSD    float64
}

// ClaimResult is the non-error outcome of a claim or status check.
type ClaimResult struct {
	SessionID             string
	Status                repository.Status
	CreditsCredited       int64
	Confirmations         int
	RequiredConfirmations int
}

// Start opens a new pending session. The exact base-unit amount equals the
// requested USD amount unless another live session for the same deposit
// address already expects it, in which case the amount is bumped one base
// unit at a time until unique. Amount is the disambiguator because deposit
// addresses are shared across a user's sessions.
func (m *TopupManager) Start(ctx context.Context, provider, providerUserID string, amountUSD float64, chainName, tokenSymbol string) (*StartResult, error) {
	if chainName == "" {
		chainName = m.cfg.ChainName
	}
	if tokenSymbol == "" {
		tokenSymbol = m.cfg.TokenSymbol
	}
	if !strings.EqualFold(chainName, m.cfg.ChainName) {
		return nil, NewValidationError("unsupported chain: " + chainName)
	}
	if !strings.EqualFold(tokenSymbol, m.cfg.TokenSymbol) {
		return nil, NewValidationError("unsupported token: " + tokenSymbol)
	}
	if amountUSD < m.cfg.MinDepositUSD {
		return nil, NewValidationError("amount below minimum deposit")
	}

	addr := chain.DepositAddress(provider, providerUserID)
	units := big.NewInt(int64(math.Round(amountUSD * usdcDecimals)))
	credits := int64(math.Round(amountUSD * float64(m.cfg.CreditsPerUSD)))

	s := &repository.Session{
		ID:                    uuid.New().String(),
		Provider:              provider,
		ProviderUserID:        providerUserID,
		DepositAddress:        addr,
		AmountUSD:             amountUSD,
		TokenSymbol:           m.cfg.TokenSymbol,
		Chain:                 m.cfg.ChainName,
		CreditsPerUSD:         m.cfg.CreditsPerUSD,
		CreditsEstimated:      credits,
		Status:                repository.StatusPending,
		RequiredConfirmations: m.cfg.RequiredConfirmations,
		CreatedAt:             m.now(),
	}

	one := big.NewInt(1)
	for i := 0; i < maxAmountProbes; i++ {
		s.AmountBaseUnits = units.String()
		err := m.sessions.Create(ctx, s)
		if err == nil {
			log.Info().Str("session_id", s.ID).Str("deposit_address", addr).Str("amount", s.AmountBaseUnits).Msg("topup session started")
			return &StartResult{
				SessionID:        s.ID,
				DepositAddress:   addr,
				AmountBaseUnits:  s.AmountBaseUnits,
				CreditsPerUSD:    s.CreditsPerUSD,
				CreditsEstimated: s.CreditsEstimated,
				MinDepositUSD:    m.cfg.MinDepositUSD,
			}, nil
		}
		if !errors.Is(err, repository.ErrAmountInUse) {
			return nil, err
		}
		units.Add(units, one)
	}
	return nil, NewValidationError("no free deposit amount for address, retry later")
}

// Claim submits a transaction hash for a session. The hash binds to the
// session only after the transfer is verified to match it, so a mistyped or
// mismatched hash leaves the session open for a corrected claim. With wait
// set, the claim polls the verifier with backoff until the confirmation
// threshold or a terminal outcome is reached, the wall-clock timeout elapses,
// or the caller disconnects; on timeout the last known non-terminal state is
// returned.
func (m *TopupManager) Claim(ctx context.Context, sessionID, txHash string, wait bool) (*ClaimResult, error) {
	s, err := m.loadAndExpire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, NewAlreadyTerminalError(string(s.Status))
	}

	hash, err := ValidateTxHash(txHash)
	if err != nil {
		return nil, err
	}

	deadline := m.now().Add(m.cfg.ClaimWaitTimeout)
	backoff := 2 * time.Second
	for {
		res, err := m.verifyOnce(ctx, s, hash)
		if errors.Is(err, errTxNotSeen) {
			if !wait {
				return nil, NewNoMatchError("transaction not found on chain")
			}
			// Not mined yet; keep polling until the deadline.
			res = &ClaimResult{
				SessionID:             s.ID,
				Status:                s.Status,
				Confirmations:         s.Confirmations,
				RequiredConfirmations: s.RequiredConfirmations,
			}
		} else if err != nil {
			return nil, err
		}
		if res.Status.Terminal() || !wait || !m.now().Before(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// Status returns the session's current state without touching the chain.
// Only the lazy expiry transition may mutate the session.
func (m *TopupManager) Status(ctx context.Context, sessionID string) (*repository.Session, error) {
	return m.loadAndExpire(ctx, sessionID)
}

// verifyOnce performs a single chain lookup and advances the state machine
// as far as the observed transfer allows.
func (m *TopupManager) verifyOnce(ctx context.Context, s *repository.Session, txHash string) (*ClaimResult, error) {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	tr, err := m.verifier.Lookup(vctx, txHash)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrTxNotFound):
		return nil, errTxNotSeen
	case errors.Is(err, chain.ErrNotConfigured):
		return nil, NewConfigError("chain verifier is not configured")
	case errors.Is(err, chain.ErrTxReverted), errors.Is(err, chain.ErrNoTransfer):
		return nil, NewNoMatchError(err.Error())
	default:
		log.Error().Err(err).Str("session_id", s.ID).Msg("chain verifier unreachable")
		return nil, NewUpstreamUnreachableError("chain verifier unreachable")
	}

	expected, ok := new(big.Int).SetString(s.AmountBaseUnits, 10)
	if !ok {
		return nil, NewConfigError("corrupt session amount")
	}
	if tr.AmountBaseUnits.Cmp(expected) != 0 {
		// Exact match only: over- and underpayments both fail, because a
		// shared deposit address makes the amount the session selector.
		return nil, NewAmountMismatchError(expected.String(), tr.AmountBaseUnits.String())
	}
	if !strings.EqualFold(tr.To, s.DepositAddress) ||
		!strings.EqualFold(tr.TokenSymbol, s.TokenSymbol) ||
		!strings.EqualFold(tr.Chain, s.Chain) {
		return nil, NewNoMatchError("transfer destination, token or chain does not match session")
	}

	// Only a transfer that matched the session claims the hash. A failed
	// verification leaves both the session and the hash unbound so the
	// caller can correct the input.
	if err := m.sessions.BindTx(ctx, s.ID, txHash); err != nil {
		if errors.Is(err, repository.ErrTxBound) {
			return nil, NewNoMatchError("transaction hash already used")
		}
		return nil, err
	}
	s.TxHash = txHash

	if err := m.sessions.SetConfirmations(ctx, s.ID, tr.Confirmations); err != nil {
		return nil, err
	}
	s.Confirmations = tr.Confirmations

	if tr.Confirmations < s.RequiredConfirmations {
		if _, err := m.sessions.CASStatus(ctx, s.ID, repository.StatusPending, repository.StatusConfirming); err != nil {
			return nil, err
		}
		s.Status = repository.StatusConfirming
		return &ClaimResult{
			SessionID:             s.ID,
			Status:                repository.StatusConfirming,
			Confirmations:         tr.Confirmations,
			RequiredConfirmations: s.RequiredConfirmations,
		}, nil
	}

	if ok, err := m.sessions.CASStatus(ctx, s.ID, repository.StatusPending, repository.StatusConfirmed); err != nil {
		return nil, err
	} else if !ok {
		if _, err := m.sessions.CASStatus(ctx, s.ID, repository.StatusConfirming, repository.StatusConfirmed); err != nil {
			return nil, err
		}
	}

	return m.credit(ctx, s)
}

// credit applies the ledger credit exactly once per session. Concurrent
// claims collapse into one in-flight ledger call; the store's
// confirmed -> credited compare-and-set is the cross-process guard. A failed
// ledger call leaves the session confirmed so a retried claim can credit
// safely later.
func (m *TopupManager) credit(ctx context.Context, s *repository.Session) (*ClaimResult, error) {
	_, err, _ := m.credits.Do(s.ID, func() (interface{}, error) {
		cur, err := m.sessions.Get(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status != repository.StatusConfirmed {
			return nil, nil
		}
		start := time.Now()
		err = m.ledger.Credit(ctx, cur.Provider, cur.ProviderUserID, cur.CreditsEstimated, cur.ID)
		m.metrics.CreditLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			log.Error().Err(err).Str("session_id", cur.ID).Msg("ledger credit failed, session stays confirmed")
			return nil, NewLedgerFailureError("credit ledger unavailable, claim can be retried")
		}
		if _, err := m.sessions.MarkCredited(ctx, cur.ID, cur.CreditsEstimated, m.now()); err != nil {
			return nil, err
		}
		m.metrics.SessionsCredited.Inc()
		log.Info().Str("session_id", cur.ID).Int64("credits", cur.CreditsEstimated).Msg("session credited")
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	cur, err := m.sessions.Get(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != repository.StatusCredited {
		return nil, NewLedgerFailureError("credit not applied yet, claim can be retried")
	}
	return &ClaimResult{
		SessionID:             cur.ID,
		Status:                repository.StatusCredited,
		CreditsCredited:       cur.CreditsCredited,
		Confirmations:         cur.Confirmations,
		RequiredConfirmations: cur.RequiredConfirmations,
	}, nil
}

// loadAndExpire fetches a session and applies the lazy expiry transition
// when its window has elapsed.
func (m *TopupManager) loadAndExpire(ctx context.Context, sessionID string) (*repository.Session, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, NewNotFoundError("session not found")
		}
		return nil, err
	}
	if !s.Status.Terminal() && m.now().After(s.CreatedAt.Add(m.cfg.SessionTTL)) {
		if ok, err := m.sessions.CASStatus(ctx, s.ID, s.Status, repository.StatusExpired); err != nil {
			return nil, err
		} else if ok {
			s.Status = repository.StatusExpired
		} else {
			return m.sessions.Get(ctx, sessionID)
		}
	}
	return s, nil
}

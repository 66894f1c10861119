package anchor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/decision"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/notary"
	"certification-pipeline/internal/notify"
	"certification-pipeline/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu            sync.Mutex
	now           time.Time
	anchors       map[string]*models.Anchor
	events        map[string][]models.Event
	certification map[string]models.CertificationStatus
	released      []string
	notified      []string
	failures      []store.FailureCommit
	cancelReasons []string
	commitErr     error
}

func newFakeStore(anchors ...models.Anchor) *fakeStore {
	s := &fakeStore{
		now:           t0,
		anchors:       map[string]*models.Anchor{},
		events:        map[string][]models.Event{},
		certification: map[string]models.CertificationStatus{},
	}
	for i := range anchors {
		a := anchors[i]
		s.anchors[a.ID] = &a
	}
	return s
}

func (s *fakeStore) ClaimAnchors(_ context.Context, statuses []models.AnchorStatus, limit int, _ string, _ time.Duration) ([]models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.anchors))
	for id := range s.anchors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []models.Anchor
	for _, id := range ids {
		a := s.anchors[id]
		for _, st := range statuses {
			if a.Status == st && !a.NextPollAt.After(s.now) && len(out) < limit {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ReleaseAnchor(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

func (s *fakeStore) ListEvents(_ context.Context, documentID string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events[documentID]...), nil
}

func (s *fakeStore) ListDocumentAnchors(_ context.Context, documentID string) ([]models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Anchor
	for _, a := range s.anchors {
		if a.DocumentID == documentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) appendLocked(documentID string, ev models.Event, validate models.AppendValidator) error {
	if validate != nil {
		if err := validate(models.DocumentState{DocumentID: documentID, Events: s.events[documentID]}, ev); err != nil {
			return err
		}
	}
	s.events[documentID] = append(s.events[documentID], ev)
	return nil
}

func (s *fakeStore) MarkAnchorSubmitted(_ context.Context, c store.SubmissionCommit, validate models.AppendValidator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.anchors[c.Anchor.ID]
	if a.Status != models.AnchorQueued {
		return store.ErrAnchorNotConfirmable
	}
	ev := models.Event{Kind: models.KindAnchorSubmitted, At: c.At, Payload: map[string]any{"network": string(a.Network)}}
	if err := s.appendLocked(a.DocumentID, ev, validate); err != nil {
		return err
	}
	a.Status = models.AnchorPending
	a.Proof = c.Proof
	a.Endpoint = c.Endpoint
	a.NextPollAt = c.NextPollAt
	return nil
}

func (s *fakeStore) RecordPollAttempt(_ context.Context, id string, attempts int, nextPollAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.anchors[id]
	a.Status = models.AnchorProcessing
	a.Attempts = attempts
	a.NextPollAt = nextPollAt
	if lastErr != "" {
		a.LastError = &lastErr
	}
	return nil
}

func (s *fakeStore) CancelAnchor(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.anchors[id]; !a.Status.Terminal() {
		a.Status = models.AnchorCancelled
		s.cancelReasons = append(s.cancelReasons, reason)
	}
	return nil
}

func (s *fakeStore) FailAnchor(_ context.Context, c store.FailureCommit, validate models.AppendValidator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.anchors[c.Anchor.ID]
	if a.Status.Terminal() {
		return store.ErrAnchorNotConfirmable
	}
	ev := models.Event{Kind: models.KindAnchorFailed, At: c.At, Payload: map[string]any{"network": string(a.Network), "retryable": c.Retryable}}
	if err := s.appendLocked(a.DocumentID, ev, validate); err != nil {
		return err
	}
	a.Status = models.AnchorFailed
	a.Attempts = c.Attempts
	a.LastError = &c.Reason
	if c.Certification != nil {
		s.certification[a.DocumentID] = *c.Certification
	}
	s.failures = append(s.failures, c)
	return nil
}

func (s *fakeStore) CommitAnchorConfirmation(_ context.Context, c store.ConfirmationCommit, validate models.AppendValidator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return false, s.commitErr
	}
	a := s.anchors[c.Anchor.ID]
	switch a.Status {
	case models.AnchorConfirmed:
		return false, nil
	case models.AnchorPending, models.AnchorProcessing:
	default:
		return false, store.ErrAnchorNotConfirmable
	}
	ev := models.Event{Kind: models.KindAnchorConfirmed, At: c.ConfirmedAt, Payload: map[string]any{
		"network":       string(a.Network),
		"confirmed_at":  c.ConfirmedAt.Format(time.RFC3339Nano),
		"document_hash": a.DocumentHash,
	}}
	if err := s.appendLocked(a.DocumentID, ev, validate); err != nil {
		return false, err
	}
	a.Status = models.AnchorConfirmed
	a.Proof = c.Proof
	a.TxRef = c.TxRef
	a.BlockHeight = c.BlockHeight
	a.Attempts = c.Attempts
	confirmedAt := c.ConfirmedAt
	a.ConfirmedAt = &confirmedAt
	s.certification[a.DocumentID] = c.Certification
	return true, nil
}

func (s *fakeStore) MarkAnchorNotified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, id)
	return nil
}

func (s *fakeStore) get(id string) models.Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.anchors[id]
}

type fakeNotary struct {
	network    models.Network
	endpoint   string
	submitErr  error
	upgrade    func(proof []byte) ([]byte, error)
	txRef      string
	confirm    notary.Confirmation
	confirmErr error
	submitted  []string
}

func (f *fakeNotary) Network() models.Network { return f.network }
func (f *fakeNotary) Endpoint() string        { return f.endpoint }

func (f *fakeNotary) Submit(_ context.Context, hash string) ([]byte, error) {
	f.submitted = append(f.submitted, hash)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return []byte("pending:" + hash), nil
}

func (f *fakeNotary) Upgrade(_ context.Context, proof []byte) ([]byte, error) {
	if f.upgrade == nil {
		return proof, nil
	}
	return f.upgrade(proof)
}

func (f *fakeNotary) TxRef([]byte) (string, bool) { return f.txRef, f.txRef != "" }

func (f *fakeNotary) FetchConfirmation(context.Context, string) (notary.Confirmation, error) {
	return f.confirm, f.confirmErr
}

type fakeNotifier struct {
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

type fakeReconciler struct{ docs []string }

func (f *fakeReconciler) Reconcile(_ context.Context, documentID string) ([]models.Job, error) {
	f.docs = append(f.docs, documentID)
	return nil, nil
}

func testPolicies() Policies {
	return Policies{
		models.NetworkBitcoin: {AlertAttempts: 2, MaxAttempts: 3, Optional: true},
		models.NetworkPolygon: {AlertAttempts: 2, MaxAttempts: 3},
	}
}

func newWorkflow(s *fakeStore, notaries ...notary.Notary) (*Workflow, *fakeNotifier, *fakeReconciler) {
	n := &fakeNotifier{}
	r := &fakeReconciler{}
	w := New(s, notaries, Options{
		WorkerID:     "anchor-1",
		PollInterval: 5 * time.Minute,
		Policies:     testPolicies(),
		Notifier:     n,
		Reconciler:   r,
		Now:          func() time.Time { return s.now },
	})
	return w, n, r
}

func pendingAnchor(id string, network models.Network, endpoint string) models.Anchor {
	return models.Anchor{
		ID:           id,
		DocumentID:   "doc-1",
		Network:      network,
		Status:       models.AnchorPending,
		DocumentHash: "abc",
		Proof:        []byte("pending:abc"),
		Endpoint:     endpoint,
		NextPollAt:   t0,
		CreatedAt:    t0,
	}
}

func TestSubmitQueuedTriesEndpointsInOrder(t *testing.T) {
	s := newFakeStore(models.Anchor{ID: "a1", DocumentID: "doc-1", Network: models.NetworkBitcoin, Status: models.AnchorQueued, DocumentHash: "abc", NextPollAt: t0})
	down := &fakeNotary{network: models.NetworkBitcoin, endpoint: "https://alice", submitErr: errors.New("503")}
	up := &fakeNotary{network: models.NetworkBitcoin, endpoint: "https://bob"}
	w, _, r := newWorkflow(s, down, up)

	sum, err := w.SubmitQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)

	a := s.get("a1")
	assert.Equal(t, models.AnchorPending, a.Status)
	assert.Equal(t, "https://bob", a.Endpoint)
	assert.Equal(t, []byte("pending:abc"), a.Proof)
	assert.Equal(t, t0.Add(5*time.Minute), a.NextPollAt)
	assert.Equal(t, []string{"abc"}, down.submitted)
	assert.Equal(t, models.KindAnchorSubmitted, s.events["doc-1"][0].Kind)
	assert.Equal(t, []string{"doc-1"}, r.docs)
}

func TestSubmitQueuedAllEndpointsFail(t *testing.T) {
	s := newFakeStore(models.Anchor{ID: "a1", DocumentID: "doc-1", Network: models.NetworkPolygon, Status: models.AnchorQueued, NextPollAt: t0})
	w, _, _ := newWorkflow(s,
		&fakeNotary{network: models.NetworkPolygon, endpoint: "r1", submitErr: errors.New("timeout")},
		&fakeNotary{network: models.NetworkPolygon, endpoint: "r2", submitErr: errors.New("502")},
	)

	sum, err := w.SubmitQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, models.AnchorFailed, s.get("a1").Status)
	require.Len(t, s.failures, 1)
	assert.True(t, s.failures[0].Retryable)
	assert.Nil(t, s.failures[0].Certification)
	assert.Contains(t, s.failures[0].Reason, "r1: timeout")
	assert.Contains(t, s.failures[0].Reason, "r2: 502")
}

func TestPollUnchangedProofStaysPending(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, n, _ := newWorkflow(s, &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"})

	sum, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pending)

	a := s.get("a1")
	assert.Equal(t, models.AnchorProcessing, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, t0.Add(5*time.Minute), a.NextPollAt)
	assert.Empty(t, n.sent)
}

func TestPollChangedProofConfirms(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkBitcoin, "cal"))
	blockTime := t0.Add(-time.Hour)
	nt := &fakeNotary{
		network:  models.NetworkBitcoin,
		endpoint: "cal",
		upgrade:  func([]byte) ([]byte, error) { return []byte("upgraded"), nil },
		txRef:    "840000",
		confirm:  notary.Confirmation{TxRef: "00000000abc", BlockHeight: 840000, BlockTime: blockTime},
	}
	w, n, r := newWorkflow(s, nt)

	sum, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Confirmed)

	a := s.get("a1")
	assert.Equal(t, models.AnchorConfirmed, a.Status)
	assert.Equal(t, []byte("upgraded"), a.Proof)
	assert.Equal(t, "00000000abc", a.TxRef)
	require.NotNil(t, a.BlockHeight)
	assert.Equal(t, int64(840000), *a.BlockHeight)
	assert.Equal(t, blockTime, *a.ConfirmedAt)
	assert.Equal(t, models.CertificationCertified, s.certification["doc-1"])

	require.Len(t, n.sent, 1)
	assert.Equal(t, notify.KindAnchorConfirmed, n.sent[0].Kind)
	assert.Equal(t, []string{"a1"}, s.notified)
	assert.Equal(t, []string{"doc-1"}, r.docs)
}

func TestConfirmationWithoutTxRefUsesObservationTime(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, _, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
	})

	_, err := w.PollPending(context.Background())
	require.NoError(t, err)
	a := s.get("a1")
	assert.Equal(t, models.AnchorConfirmed, a.Status)
	assert.Equal(t, t0, *a.ConfirmedAt)
	assert.Nil(t, a.BlockHeight)
}

func TestNotificationFailureKeepsConfirmation(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, n, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
	})
	n.err = errors.New("smtp down")

	_, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AnchorConfirmed, s.get("a1").Status)
	assert.Empty(t, s.notified)
}

func TestCommitFailureLeavesAnchorUntouched(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	s.commitErr = errors.New("connection reset")
	w, n, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
	})

	sum, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Confirmed)

	a := s.get("a1")
	assert.Equal(t, models.AnchorPending, a.Status)
	assert.Equal(t, []byte("pending:abc"), a.Proof)
	assert.Zero(t, a.Attempts)
	assert.Equal(t, []string{"a1"}, s.released)
	assert.Empty(t, n.sent)
	assert.Empty(t, s.events["doc-1"])
}

func TestRecommitOnConfirmedAnchorIsNoop(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, n, _ := newWorkflow(s)
	nt := &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"}

	a := s.get("a1")
	assert.Equal(t, models.AnchorConfirmed, w.confirm(context.Background(), a, nt, []byte("mined"), 1, w.logger))
	assert.Equal(t, models.AnchorConfirmed, w.confirm(context.Background(), a, nt, []byte("mined"), 2, w.logger))

	assert.Len(t, s.events["doc-1"], 1)
	assert.Len(t, n.sent, 1)
	assert.Equal(t, 1, s.get("a1").Attempts)
}

func TestOptOutCancelsAndOutranksConfirmation(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkBitcoin, "cal"))
	s.events["doc-1"] = []models.Event{{Kind: models.KindAnchorOptOut, At: t0, Payload: map[string]any{"network": "bitcoin"}}}
	w, n, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkBitcoin,
		endpoint: "cal",
		upgrade:  func([]byte) ([]byte, error) { return []byte("upgraded"), nil },
	})

	sum, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, models.AnchorCancelled, s.get("a1").Status)

	// A late confirmation signal cannot revive it.
	a := s.get("a1")
	w.confirm(context.Background(), a, &fakeNotary{network: models.NetworkBitcoin}, []byte("upgraded"), 1, w.logger)
	assert.Equal(t, models.AnchorCancelled, s.get("a1").Status)
	assert.Empty(t, n.sent)

	sum, err = w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed)
}

func TestOptOutCancelsQueuedAnchor(t *testing.T) {
	s := newFakeStore(models.Anchor{ID: "a1", DocumentID: "doc-1", Network: models.NetworkPolygon, Status: models.AnchorQueued, NextPollAt: t0})
	s.events["doc-1"] = []models.Event{{Kind: models.KindAnchorOptOut, At: t0, Payload: map[string]any{"network": "polygon"}}}
	nt := &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"}
	w, _, _ := newWorkflow(s, nt)

	_, err := w.SubmitQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AnchorCancelled, s.get("a1").Status)
	assert.Empty(t, nt.submitted)
}

func TestTimeoutFallback(t *testing.T) {
	t.Run("confirmed non-optional sibling keeps document certified", func(t *testing.T) {
		btc := pendingAnchor("btc", models.NetworkBitcoin, "cal")
		btc.Attempts = 2
		poly := pendingAnchor("poly", models.NetworkPolygon, "r1")
		poly.Status = models.AnchorConfirmed
		s := newFakeStore(btc, poly)
		w, n, _ := newWorkflow(s, &fakeNotary{network: models.NetworkBitcoin, endpoint: "cal"})

		sum, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Failed)
		assert.Equal(t, models.AnchorFailed, s.get("btc").Status)
		assert.Equal(t, 3, s.get("btc").Attempts)
		assert.Equal(t, models.CertificationCertified, s.certification["doc-1"])
		require.Len(t, n.sent, 1)
		assert.Equal(t, notify.KindAnchorFailed, n.sent[0].Kind)
	})

	t.Run("no sibling fails certification", func(t *testing.T) {
		poly := pendingAnchor("poly", models.NetworkPolygon, "r1")
		poly.Attempts = 2
		s := newFakeStore(poly)
		w, _, _ := newWorkflow(s, &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"})

		_, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.AnchorFailed, s.get("poly").Status)
		assert.Equal(t, models.CertificationFailed, s.certification["doc-1"])
		require.Len(t, s.failures, 1)
		assert.Contains(t, s.failures[0].Reason, ReasonTimeout)
		assert.False(t, s.failures[0].Retryable)
	})

	t.Run("optional sibling does not count", func(t *testing.T) {
		poly := pendingAnchor("poly", models.NetworkPolygon, "r1")
		poly.Attempts = 2
		btc := pendingAnchor("btc", models.NetworkBitcoin, "cal")
		btc.Status = models.AnchorConfirmed
		s := newFakeStore(poly, btc)
		w, _, _ := newWorkflow(s, &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"})

		_, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.CertificationFailed, s.certification["doc-1"])
	})
}

func TestAlertThresholdDoesNotChangeState(t *testing.T) {
	a := pendingAnchor("a1", models.NetworkPolygon, "r1")
	a.Attempts = 1
	s := newFakeStore(a)
	w, _, _ := newWorkflow(s, &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"})

	_, err := w.PollPending(context.Background())
	require.NoError(t, err)
	got := s.get("a1")
	assert.Equal(t, models.AnchorProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, s.failures)
}

func TestRejectedUpgradeFailsImmediately(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, _, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade: func([]byte) ([]byte, error) {
			return nil, errors.Join(errors.New("transaction reverted"), notary.ErrRejected)
		},
	})

	_, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AnchorFailed, s.get("a1").Status)
	require.Len(t, s.failures, 1)
	assert.Contains(t, s.failures[0].Reason, ReasonRejected)
}

func TestUpgradeErrorIsRecordedAndRetried(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, _, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade:  func([]byte) ([]byte, error) { return nil, errors.New("rpc 503") },
	})

	_, err := w.PollPending(context.Background())
	require.NoError(t, err)
	a := s.get("a1")
	assert.Equal(t, models.AnchorProcessing, a.Status)
	require.NotNil(t, a.LastError)
	assert.Equal(t, "rpc 503", *a.LastError)
}

func TestFallback(t *testing.T) {
	pol := testPolicies()
	confirmed := func(n models.Network) models.Anchor {
		return models.Anchor{Network: n, Status: models.AnchorConfirmed, DocumentHash: "abc"}
	}
	failed := func(n models.Network) models.Anchor {
		return models.Anchor{Network: n, Status: models.AnchorProcessing, DocumentHash: "abc"}
	}
	assert.Equal(t, models.CertificationCertified, Fallback(failed(models.NetworkBitcoin), []models.Anchor{confirmed(models.NetworkPolygon)}, pol))
	assert.Equal(t, models.CertificationFailed, Fallback(failed(models.NetworkPolygon), []models.Anchor{confirmed(models.NetworkBitcoin)}, pol))
	assert.Equal(t, models.CertificationFailed, Fallback(failed(models.NetworkPolygon), []models.Anchor{confirmed(models.NetworkPolygon)}, pol))
	assert.Equal(t, models.CertificationFailed, Fallback(failed(models.NetworkBitcoin), nil, pol))
	assert.Equal(t, models.CertificationFailed, Fallback(failed(models.NetworkBitcoin), []models.Anchor{failed(models.NetworkPolygon)}, pol))

	// A polygon confirmation of the superseded witness does not cover the new one.
	current := failed(models.NetworkBitcoin)
	current.DocumentHash = "def"
	assert.Equal(t, models.CertificationFailed, Fallback(current, []models.Anchor{confirmed(models.NetworkPolygon)}, pol))
}

func supersededLog() []models.Event {
	return []models.Event{
		{Kind: models.KindProtectionRequested, At: t0, Payload: map[string]any{"required_evidence": []any{"polygon"}}},
		{Kind: models.KindWitnessSuperseded, At: t0, WitnessHash: "def", Payload: map[string]any{"previous_witness_hash": "abc"}},
		{Kind: models.KindTSAConfirmed, At: t0, WitnessHash: "def", Payload: map[string]any{"token_b64": "dG9rZW4="}},
	}
}

func TestSupersededWitnessCancelsAnchor(t *testing.T) {
	t.Run("pending anchor is not confirmed", func(t *testing.T) {
		s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
		s.events["doc-1"] = supersededLog()
		w, n, _ := newWorkflow(s, &fakeNotary{
			network:  models.NetworkPolygon,
			endpoint: "r1",
			upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
		})

		sum, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Cancelled)
		assert.Zero(t, sum.Confirmed)
		assert.Equal(t, models.AnchorCancelled, s.get("a1").Status)
		assert.Equal(t, []string{"witness superseded"}, s.cancelReasons)
		assert.Empty(t, n.sent)
		assert.Empty(t, s.certification)

		d := decision.DecideNextJobs(s.events["doc-1"], nil)
		assert.Equal(t, decision.ReasonNeedsAnchors, d.Reason)
	})

	t.Run("queued anchor is not submitted", func(t *testing.T) {
		s := newFakeStore(models.Anchor{ID: "a1", DocumentID: "doc-1", Network: models.NetworkPolygon, Status: models.AnchorQueued, DocumentHash: "abc", NextPollAt: t0})
		s.events["doc-1"] = supersededLog()
		nt := &fakeNotary{network: models.NetworkPolygon, endpoint: "r1"}
		w, _, _ := newWorkflow(s, nt)

		_, err := w.SubmitQueued(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.AnchorCancelled, s.get("a1").Status)
		assert.Empty(t, nt.submitted)
	})

	t.Run("anchor of the current witness proceeds", func(t *testing.T) {
		a := pendingAnchor("a1", models.NetworkPolygon, "r1")
		a.DocumentHash = "def"
		s := newFakeStore(a)
		s.events["doc-1"] = supersededLog()
		w, _, _ := newWorkflow(s, &fakeNotary{
			network:  models.NetworkPolygon,
			endpoint: "r1",
			upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
		})

		_, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.AnchorConfirmed, s.get("a1").Status)
		assert.Equal(t, decision.ReasonNeedsArtifact, decision.DecideNextJobs(s.events["doc-1"], nil).Reason)
	})
}

func TestRejectedConfirmationCountsAsAttempt(t *testing.T) {
	s := newFakeStore(pendingAnchor("a1", models.NetworkPolygon, "r1"))
	w, n, _ := newWorkflow(s, &fakeNotary{
		network:  models.NetworkPolygon,
		endpoint: "r1",
		upgrade:  func([]byte) ([]byte, error) { return []byte("mined"), nil },
	})
	w.opts.Validate = func(_ models.DocumentState, ev models.Event) error {
		if ev.Kind == models.KindAnchorConfirmed {
			return &authority.Rejection{Reason: authority.ReasonAnchorCausality}
		}
		return nil
	}

	for attempt := 1; attempt < 3; attempt++ {
		sum, err := w.PollPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Pending, "attempt %d", attempt)
		a := s.get("a1")
		assert.Equal(t, models.AnchorProcessing, a.Status)
		assert.Equal(t, attempt, a.Attempts)
		require.NotNil(t, a.LastError)
		assert.Contains(t, *a.LastError, string(authority.ReasonAnchorCausality))
		s.now = a.NextPollAt
	}

	sum, err := w.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, models.AnchorFailed, s.get("a1").Status)
	require.Len(t, s.failures, 1)
	assert.Contains(t, s.failures[0].Reason, ReasonTimeout)
	assert.Equal(t, 3, s.failures[0].Attempts)
	assert.Empty(t, s.released)
	assert.Equal(t, models.CertificationFailed, s.certification["doc-1"])
	require.Len(t, n.sent, 1)
	assert.Equal(t, notify.KindAnchorFailed, n.sent[0].Kind)
	for _, ev := range s.events["doc-1"] {
		assert.NotEqual(t, models.KindAnchorConfirmed, ev.Kind)
	}
}

func TestPoliciesDefaults(t *testing.T) {
	p := Policies{}.For(models.NetworkBitcoin)
	assert.Equal(t, 288, p.MaxAttempts)
	assert.Equal(t, 288, p.AlertAttempts)
	assert.False(t, p.Optional)
}

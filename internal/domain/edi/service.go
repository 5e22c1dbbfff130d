package edi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsedi/internal/domain/claim"
)

// SFTPChannel delivers encoded documents by file drop.
type SFTPChannel interface {
	Upload(ctx context.Context, c *claim.Claim, plan *claim.InsurancePlan, content []byte) (string, error)
	TestConnection(ctx context.Context, plan *claim.InsurancePlan) bool
}

// APIChannel delivers JSON claim payloads over REST.
type APIChannel interface {
	Submit(ctx context.Context, payload *ClaimPayload, plan *claim.InsurancePlan) (*APIResponse, error)
	TestConnection(ctx context.Context, plan *claim.InsurancePlan) bool
}

// Recorder receives submission and channel observations for metrics.
type Recorder interface {
	ObserveSubmission(submissionType, outcome string, d time.Duration)
	ObserveChannel(channel, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSubmission(string, string, time.Duration) {}
func (nopRecorder) ObserveChannel(string, string, time.Duration) {}

// BothPolicy decides how the two legs of a BOTH submission combine.
type BothPolicy int

const (
	// BothFailFast runs SFTP then API; an SFTP failure skips the API leg.
	BothFailFast BothPolicy = iota
	// BothAll attempts both legs and succeeds only if both succeed.
	BothAll
	// BothAny attempts both legs and succeeds if at least one succeeds.
	BothAny
)

func (p BothPolicy) String() string {
	switch p {
	case BothFailFast:
		return "fail-fast"
	case BothAll:
		return "all"
	case BothAny:
		return "any"
	default:
		return fmt.Sprintf("BothPolicy(%d)", int(p))
	}
}

// ParseBothPolicy converts an EDI_BOTH_POLICY value. Empty selects fail-fast.
func ParseBothPolicy(s string) (BothPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return BothFailFast, nil
	case "all":
		return BothAll, nil
	case "any":
		return BothAny, nil
	default:
		return BothFailFast, fmt.Errorf("unknown BOTH policy %q (want fail-fast, all or any)", s)
	}
}

// Channel names used in outcomes and logs.
const (
	ChannelSFTP = "sftp"
	ChannelAPI  = "api"
)

// ChannelOutcome is the result of one delivery leg.
type ChannelOutcome struct {
	Channel       string `json:"channel"`
	Success       bool   `json:"success"`
	Skipped       bool   `json:"skipped,omitempty"`
	RemotePath    string `json:"remote_path,omitempty"`
	TrackingID    string `json:"tracking_id,omitempty"`
	ControlNumber string `json:"control_number,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`

	err error
}

// SubmissionResult is the aggregated outcome of Submit.
type SubmissionResult struct {
	Success                  bool             `json:"success"`
	ClaimNumber              string           `json:"claim_number"`
	PayerName                string           `json:"payer_name,omitempty"`
	SubmissionType           string           `json:"submission_type,omitempty"`
	SftpRemotePath           string           `json:"sftp_remote_path,omitempty"`
	APITrackingID            string           `json:"api_tracking_id,omitempty"`
	APIControlNumber         string           `json:"api_control_number,omitempty"`
	InterchangeControlNumber string           `json:"interchange_control_number,omitempty"`
	ErrorMessage             string           `json:"error_message,omitempty"`
	FailureKind              FailureKind      `json:"failure_kind,omitempty"`
	Outcomes                 []ChannelOutcome `json:"outcomes,omitempty"`
	SubmittedAt              time.Time        `json:"submitted_at"`
}

func (r *SubmissionResult) fail(err error) *SubmissionResult {
	r.Success = false
	r.ErrorMessage = err.Error()
	r.FailureKind = ErrorKind(err)
	return r
}

// Service is the submission orchestrator: it resolves the payer, picks the
// channel(s), prepares the document or payload and aggregates the outcome.
type Service struct {
	graphs    claim.GraphProvider
	payers    claim.PayerRepository
	encoder   *Encoder
	allocator ControlNumberAllocator
	sftp      SFTPChannel
	api       APIChannel
	policy    BothPolicy
	recorder  Recorder
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(
	graphs claim.GraphProvider,
	payers claim.PayerRepository,
	encoder *Encoder,
	allocator ControlNumberAllocator,
	sftp SFTPChannel,
	api APIChannel,
	policy BothPolicy,
	logger zerolog.Logger,
) *Service {
	return &Service{
		graphs:    graphs,
		payers:    payers,
		encoder:   encoder,
		allocator: allocator,
		sftp:      sftp,
		api:       api,
		policy:    policy,
		recorder:  nopRecorder{},
		now:       time.Now,
		logger:    logger,
	}
}

// WithRecorder sets the metrics sink. A nil recorder disables recording.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
	return s
}

// prepared holds everything computed before the first network call.
type prepared struct {
	doc     []byte
	cn      ControlNumbers
	payload *ClaimPayload
}

// Submit delivers a claim to its payer. It never returns an error: every
// failure is reported in the result.
func (s *Service) Submit(ctx context.Context, claimID uuid.UUID) *SubmissionResult {
	start := s.now()
	res := &SubmissionResult{SubmittedAt: start}

	g, err := s.graphs.LoadGraph(ctx, claimID)
	if err != nil {
		s.logger.Error().Err(err).Str("claim_id", claimID.String()).Msg("load claim for EDI submission")
		res.fail(err)
		s.recorder.ObserveSubmission("unknown", string(res.FailureKind), s.now().Sub(start))
		return res
	}
	res.ClaimNumber = g.Claim.ClaimNumber

	log := s.logger.With().Str("claim_number", res.ClaimNumber).Logger()

	if g.Insurance == nil || g.Plan == nil {
		return s.finish(log, res.fail(&MissingDependencyError{Entity: "insurance plan"}), start)
	}
	plan := g.Plan
	res.PayerName = plan.PayerName

	if !plan.EdiEnabled {
		return s.finish(log, res.fail(&ConfigurationError{Reason: fmt.Sprintf("EDI not enabled for payer %s", plan.PayerName)}), start)
	}

	st := plan.SubmissionType()
	if st == claim.SubmissionUnknown {
		return s.finish(log, res.fail(&ConfigurationError{Reason: fmt.Sprintf("Unknown EDI submission type: %s", plan.SubmissionTypeTag)}), start)
	}
	res.SubmissionType = st.String()

	log.Info().Str("payer", plan.PayerName).Str("submission_type", res.SubmissionType).Msg("EDI submission started")

	p, err := s.prepare(ctx, g, st)
	if err != nil {
		return s.finish(log, res.fail(err), start)
	}
	if p.doc != nil {
		res.InterchangeControlNumber = p.cn.ISA13()
	}

	switch st {
	case claim.SubmissionSFTP:
		out := s.runSFTP(ctx, g, p.doc)
		s.collect(res, out)
		if out.err != nil {
			return s.finish(log, res.fail(out.err), start)
		}
		res.Success = true

	case claim.SubmissionAPI:
		out := s.runAPI(ctx, g, p.payload)
		s.collect(res, out)
		if out.err != nil {
			return s.finish(log, res.fail(out.err), start)
		}
		res.Success = true

	case claim.SubmissionBoth:
		s.submitBoth(ctx, res, g, p)
	}

	return s.finish(log, res, start)
}

// prepare does all work that can fail without touching the network:
// encoding, payload construction and control number allocation.
func (s *Service) prepare(ctx context.Context, g *claim.Graph, st claim.SubmissionType) (*prepared, error) {
	p := &prepared{}
	if err := requireGraph(g); err != nil {
		return nil, err
	}

	if st == claim.SubmissionSFTP || st == claim.SubmissionBoth {
		cn, err := s.allocator.Next(ctx, g.Plan.PayerID)
		if err != nil {
			return nil, err
		}
		doc, err := s.encoder.Document(g, cn, s.now())
		if err != nil {
			return nil, err
		}
		p.cn, p.doc = cn, doc.Bytes()
	}

	if st == claim.SubmissionAPI || st == claim.SubmissionBoth {
		payload, err := BuildPayload(g)
		if err != nil {
			return nil, err
		}
		p.payload = payload
	}
	return p, nil
}

func (s *Service) submitBoth(ctx context.Context, res *SubmissionResult, g *claim.Graph, p *prepared) {
	sftpOut := s.runSFTP(ctx, g, p.doc)
	s.collect(res, sftpOut)

	if sftpOut.err != nil && s.policy == BothFailFast {
		s.collect(res, ChannelOutcome{Channel: ChannelAPI, Skipped: true, Error: "skipped after sftp failure"})
		res.fail(sftpOut.err)
		return
	}

	apiOut := s.runAPI(ctx, g, p.payload)
	s.collect(res, apiOut)

	var failed []error
	for _, out := range []ChannelOutcome{sftpOut, apiOut} {
		if out.err != nil {
			failed = append(failed, out.err)
		}
	}

	switch {
	case len(failed) == 0:
		res.Success = true
	case s.policy == BothAny && len(failed) < 2:
		res.Success = true
		res.FailureKind = ErrorKind(failed[0])
		res.ErrorMessage = failed[0].Error()
	default:
		res.fail(errors.Join(failed...))
		res.FailureKind = ErrorKind(failed[0])
	}
}

func (s *Service) runSFTP(ctx context.Context, g *claim.Graph, doc []byte) ChannelOutcome {
	start := time.Now()
	out := ChannelOutcome{Channel: ChannelSFTP}
	path, err := s.sftp.Upload(ctx, g.Claim, g.Plan, doc)
	out.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		out.err, out.Error = err, err.Error()
		return out
	}
	out.Success, out.RemotePath = true, path
	return out
}

func (s *Service) runAPI(ctx context.Context, g *claim.Graph, payload *ClaimPayload) ChannelOutcome {
	start := time.Now()
	out := ChannelOutcome{Channel: ChannelAPI}
	resp, err := s.api.Submit(ctx, payload, g.Plan)
	out.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		out.err, out.Error = err, err.Error()
		return out
	}
	out.TrackingID, out.ControlNumber = resp.TrackingID, resp.EdiControlNumber
	if !resp.Success {
		err := &TransportError{Channel: ChannelAPI, Err: rejection(resp)}
		out.err, out.Error = err, err.Error()
		return out
	}
	out.Success = true
	return out
}

// rejection describes a 2xx response whose body reports success=false.
func rejection(resp *APIResponse) error {
	parts := make([]string, 0, len(resp.Errors)+1)
	if resp.Message != "" {
		parts = append(parts, resp.Message)
	}
	parts = append(parts, resp.Errors...)
	if len(parts) == 0 {
		return errors.New("payer rejected the claim")
	}
	return fmt.Errorf("payer rejected the claim: %s", strings.Join(parts, "; "))
}

// collect appends an outcome and copies its artifacts to the result.
func (s *Service) collect(res *SubmissionResult, out ChannelOutcome) {
	res.Outcomes = append(res.Outcomes, out)
	if out.RemotePath != "" {
		res.SftpRemotePath = out.RemotePath
	}
	if out.TrackingID != "" {
		res.APITrackingID = out.TrackingID
	}
	if out.ControlNumber != "" {
		res.APIControlNumber = out.ControlNumber
	}
}

func (s *Service) finish(log zerolog.Logger, res *SubmissionResult, start time.Time) *SubmissionResult {
	var ev *zerolog.Event
	if res.Success {
		ev = log.Info()
	} else {
		ev = log.Warn().Str("error", res.ErrorMessage).Str("failure_kind", string(res.FailureKind))
	}
	for _, out := range res.Outcomes {
		s.recorder.ObserveChannel(out.Channel, channelOutcome(out), time.Duration(out.DurationMS)*time.Millisecond)
		log.Debug().
			Str("channel", out.Channel).
			Bool("success", out.Success).
			Bool("skipped", out.Skipped).
			Int64("duration_ms", out.DurationMS).
			Msg("EDI channel outcome")
	}
	elapsed := s.now().Sub(start)
	ev.Str("payer", res.PayerName).
		Str("submission_type", res.SubmissionType).
		Bool("success", res.Success).
		Dur("duration", elapsed).
		Msg("EDI submission finished")

	submissionType, outcome := res.SubmissionType, "success"
	if submissionType == "" {
		submissionType = "unknown"
	}
	if !res.Success {
		outcome = string(res.FailureKind)
	}
	s.recorder.ObserveSubmission(submissionType, outcome, elapsed)
	return res
}

func channelOutcome(out ChannelOutcome) string {
	switch {
	case out.Skipped:
		return "skipped"
	case out.Success:
		return "success"
	default:
		return "failure"
	}
}

// TestConnection probes the channel(s) configured for a payer. BOTH requires
// both probes to succeed. Unknown payers, disabled EDI and unknown types
// report false without probing.
func (s *Service) TestConnection(ctx context.Context, payerID uuid.UUID) bool {
	plan, err := s.payers.GetByID(ctx, payerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("payer_id", payerID.String()).Msg("connection test: payer not loaded")
		return false
	}
	if !plan.EdiEnabled {
		return false
	}

	switch plan.SubmissionType() {
	case claim.SubmissionSFTP:
		return s.sftp.TestConnection(ctx, plan)
	case claim.SubmissionAPI:
		return s.api.TestConnection(ctx, plan)
	case claim.SubmissionBoth:
		return s.sftp.TestConnection(ctx, plan) && s.api.TestConnection(ctx, plan)
	default:
		return false
	}
}

// Preview encodes a claim without delivering it. Control numbers are drawn
// at random so the payer sequence is not consumed.
func (s *Service) Preview(ctx context.Context, claimID uuid.UUID) (string, error) {
	g, err := s.graphs.LoadGraph(ctx, claimID)
	if err != nil {
		return "", err
	}
	cn, err := RandomAllocator{}.Next(ctx, "")
	if err != nil {
		return "", err
	}
	return s.encoder.Encode(g, cn, s.now())
}

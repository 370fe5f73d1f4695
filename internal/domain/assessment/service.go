package assessment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/auth"
	"github.com/ehr/assessments/internal/platform/blobstore"
	"github.com/ehr/assessments/internal/platform/metrics"
)

// ErrAttachmentsUnsupported is returned when a type declares no field for
// uploaded files.
var ErrAttachmentsUnsupported = errors.New("assessment type does not take attachments")

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// LookupConcurrency caps parallel author lookups when building history.
	LookupConcurrency int
	// AttachmentURL is prepended to blob ids to form download URLs.
	AttachmentURL string
	Logger        zerolog.Logger
}

type Service struct {
	catalog *catalog.Registry
	repo    Repository
	authors engine.AuthorResolver
	blobs   blobstore.BlobStore
	opts    Options
	logger  zerolog.Logger
}

func NewService(reg *catalog.Registry, repo Repository, authors engine.AuthorResolver, blobs blobstore.BlobStore, opts Options) *Service {
	if opts.LookupConcurrency <= 0 {
		opts.LookupConcurrency = engine.DefaultLookupConcurrency
	}
	if opts.AttachmentURL == "" {
		opts.AttachmentURL = "/api/v1/attachments/"
	}
	return &Service{
		catalog: reg,
		repo:    repo,
		authors: authors,
		blobs:   blobs,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "assessments").Logger(),
	}
}

func (s *Service) Types() []TypeSummary {
	defs := s.catalog.All()
	out := make([]TypeSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, TypeSummary{
			Type:        d.Type,
			Title:       d.Title,
			Persistence: d.Persistence,
			Fields:      d.Shape.Len(),
			Rules:       len(d.Rules),
			Attachments: d.AttachmentField != nil,
		})
	}
	return out
}

// BlankForm returns the declared defaults of typ.
func (s *Service) BlankForm(typ string) (engine.State, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return nil, err
	}
	return def.Shape.Defaults(), nil
}

// UpdateField sets one leaf. On error the caller's state comes back
// unchanged together with the error.
func (s *Service) UpdateField(typ string, state engine.State, path string, value any) (engine.State, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return state, err
	}
	p, err := engine.ParsePath(path)
	if err != nil {
		return state, &engine.PathError{Path: engine.Path(strings.Split(path, ".")), Err: engine.ErrPathNotFound}
	}
	next, err := engine.Update(def.Shape, state, p, value)
	if err != nil {
		s.logger.Warn().Err(err).Str("assessment_type", typ).Str("path", path).Msg("field update rejected")
		return state, err
	}
	return next, nil
}

// Evaluate runs typ's rules over state after filling missing leaves with
// their defaults.
func (s *Service) Evaluate(typ string, state engine.State) ([]engine.Finding, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return nil, err
	}
	normalized, err := def.Shape.Normalize(state)
	if err != nil {
		return nil, err
	}
	return s.evaluate(def, normalized), nil
}

func (s *Service) evaluate(def *catalog.Definition, state engine.State) []engine.Finding {
	findings := engine.Evaluate(state, def.Rules, func(rerr *engine.RuleError) {
		metrics.RecordRuleFailure(def.Type, rerr.Rule)
		s.logger.Warn().Err(rerr.Err).
			Str("assessment_type", def.Type).
			Str("rule", rerr.Rule).
			Msg("rule evaluation failed")
	})
	if findings == nil {
		findings = []engine.Finding{}
	}
	return findings
}

// Submit validates and stores one submission authored by who, and returns
// the findings for the stored state plus a blank form.
func (s *Service) Submit(ctx context.Context, typ string, who auth.Clinician, sub Submission) (*SubmitResult, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return nil, err
	}

	ectx := engine.Context{
		PatientIdentifier: sub.Patient,
		AuthorID:          who.ID,
		AuthorDisplayName: who.Name,
		ServiceDate:       sub.ServiceDate,
	}
	if strings.TrimSpace(ectx.AuthorDisplayName) == "" && ectx.AuthorID != "" && s.authors != nil {
		info, err := s.authors.ResolveAuthor(ctx, ectx.AuthorID)
		if err != nil {
			metrics.RecordSubmission(typ, "failed")
			s.logger.Error().Err(err).Str("assessment_type", typ).Str("author_id", ectx.AuthorID).Msg("author lookup failed")
			return nil, fmt.Errorf("resolve author %s: %w", ectx.AuthorID, err)
		}
		if info != nil {
			ectx.AuthorDisplayName = info.DisplayName
		}
	}

	rec, err := engine.Flatten(def.Shape, sub.State, ectx)
	if err != nil {
		metrics.RecordSubmission(typ, "rejected")
		return nil, err
	}
	state, err := engine.Unflatten(def.Shape, rec)
	if err != nil {
		metrics.RecordSubmission(typ, "rejected")
		return nil, err
	}

	if err := s.repo.Save(ctx, def, rec); err != nil {
		metrics.RecordSubmission(typ, "failed")
		s.logger.Error().Err(err).Str("assessment_type", typ).Msg("failed to save assessment")
		return nil, err
	}
	metrics.RecordSubmission(typ, "saved")

	findings := s.evaluate(def, state)
	for _, f := range findings {
		metrics.RecordFinding(typ, string(f.Severity))
	}
	s.logger.Info().
		Str("assessment_type", typ).
		Str("id", rec.ID).
		Str("author_id", rec.AuthorID).
		Int("findings", len(findings)).
		Msg("assessment saved")

	return &SubmitResult{
		ID:        rec.ID,
		Type:      typ,
		CreatedAt: rec.CreatedAt,
		Findings:  findings,
		Form:      def.Shape.Defaults(),
	}, nil
}

// History returns the patient's submissions newest first with author names
// resolved. Authors that cannot be resolved show as engine.UnknownAuthor.
func (s *Service) History(ctx context.Context, typ, patient string, limit, offset int) ([]HistoryItem, int, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return nil, 0, err
	}
	patient = strings.TrimSpace(patient)
	if patient == "" {
		return nil, 0, fmt.Errorf("%w: patient is required", engine.ErrInvalidContext)
	}

	records, total, err := s.repo.ListByPatient(ctx, def, patient, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	r := &engine.Reconciler{
		Resolver:    s.authors,
		Concurrency: s.opts.LookupConcurrency,
		OnFailure: func(authorID string, err error) {
			metrics.RecordAuthorLookupFailure()
			s.logger.Warn().Err(err).Str("author_id", authorID).Msg("author lookup failed")
		},
	}
	entries := r.Reconcile(ctx, records)

	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		state, err := engine.Unflatten(def.Shape, &e.Record)
		if err != nil {
			return nil, 0, fmt.Errorf("record %s: %w", e.ID, err)
		}
		items = append(items, HistoryItem{
			ID:          e.ID,
			Patient:     e.PatientIdentifier,
			AuthorID:    e.AuthorID,
			AuthorName:  e.AuthorDisplayName,
			ServiceDate: e.ServiceDate,
			CreatedAt:   e.CreatedAt,
			State:       state,
			Findings:    s.evaluate(def, state),
		})
	}
	return items, total, nil
}

func (s *Service) Delete(ctx context.Context, typ, id string) error {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	if err := s.repo.Delete(ctx, def, uid); err != nil {
		return err
	}
	s.logger.Info().Str("assessment_type", typ).Str("id", id).Msg("assessment deleted")
	return nil
}

// Attach stores an uploaded file for typ and returns its download URL and
// the form field the URL belongs in.
func (s *Service) Attach(ctx context.Context, typ string, who auth.Clinician, patient, fileName string, content io.Reader) (*Attachment, error) {
	def, err := s.catalog.Get(typ)
	if err != nil {
		return nil, err
	}
	if def.AttachmentField == nil {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentsUnsupported, typ)
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:  fileName,
		PatientID: strings.TrimSpace(patient),
		Category:  typ,
		CreatedBy: who.ID,
	}, content)
	if err != nil {
		metrics.RecordAttachment("rejected")
		return nil, err
	}
	metrics.RecordAttachment("stored")

	return &Attachment{
		ID:          meta.ID,
		URL:         s.opts.AttachmentURL + meta.ID,
		Field:       def.AttachmentField.String(),
		FileName:    meta.FileName,
		ContentType: meta.ContentType,
		Size:        meta.Size,
	}, nil
}

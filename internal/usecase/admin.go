package usecase

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// maxHistoryLimit caps admin history queries.
const maxHistoryLimit = 1000

var loaderCodeRe = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

// LoaderDefinition carries the admin-editable, non-runtime fields of a
// loader. Runtime state (status, watermark, failure bookkeeping) is owned by
// the executor and recovery and cannot be set through it.
type LoaderDefinition struct {
	LoaderCode                string `validate:"required,loadercode"`
	LoaderSQL                 string `validate:"required"`
	SourceDatabaseCode        string `validate:"required"`
	MinIntervalSeconds        int    `validate:"gte=1,lte=86400"`
	MaxIntervalSeconds        int    `validate:"gtefield=MinIntervalSeconds,lte=86400"`
	MaxQueryPeriodSeconds     int    `validate:"gte=1,lte=604800"`
	MaxParallelExecutions     int    `validate:"gte=1,lte=100"`
	SourceTimezoneOffsetHours int    `validate:"gte=-12,lte=14"`
	AggregationPeriodSeconds  *int   `validate:"omitempty,gte=1"`
	PurgeStrategy             domain.PurgeStrategy
	UpdatedBy                 string
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("loadercode", func(fl validator.FieldLevel) bool {
		return loaderCodeRe.MatchString(fl.Field().String())
	})
	return v
}

// AdminService exposes the core operations consumed by the admin HTTP layer.
type AdminService struct {
	Loaders  domain.LoaderRepository
	History  domain.HistoryRepository
	Sources  domain.SourceDatabaseRepository
	Cipher   domain.Cipher
	validate *validator.Validate
}

// NewAdminService constructs an AdminService.
func NewAdminService(loaders domain.LoaderRepository, history domain.HistoryRepository, sources domain.SourceDatabaseRepository, cipher domain.Cipher) *AdminService {
	return &AdminService{
		Loaders:  loaders,
		History:  history,
		Sources:  sources,
		Cipher:   cipher,
		validate: newValidator(),
	}
}

// GetLoader returns a loader by code with its SQL still encrypted.
func (s *AdminService) GetLoader(ctx domain.Context, code string) (domain.Loader, error) {
	return s.Loaders.GetByCode(ctx, code)
}

// ValidateDefinition checks field ranges and the read-only SQL contract.
func (s *AdminService) ValidateDefinition(def LoaderDefinition) error {
	if err := s.validate.Struct(def); err != nil {
		return fmt.Errorf("op=admin.validate: %w: %v", domain.ErrInvalidArgument, err)
	}
	if err := CheckReadOnly(def.LoaderSQL); err != nil {
		return err
	}
	if _, err := ReplaceParams(def.LoaderSQL, domain.Window{From: time.Unix(0, 0), To: time.Unix(1, 0)}, 0, 0); err != nil {
		return err
	}
	switch def.PurgeStrategy {
	case domain.PurgeFailOnDuplicate, domain.PurgeAndReload, domain.PurgeSkipDuplicates:
	default:
		return fmt.Errorf("op=admin.validate: %w: unknown purge strategy %q",
			domain.ErrInvalidArgument, def.PurgeStrategy)
	}
	return nil
}

// UpdateLoader updates the non-runtime fields of an existing loader.
// The SQL text is re-encrypted before persisting.
func (s *AdminService) UpdateLoader(ctx domain.Context, def LoaderDefinition) error {
	if err := s.ValidateDefinition(def); err != nil {
		return err
	}
	current, err := s.Loaders.GetByCode(ctx, def.LoaderCode)
	if err != nil {
		return err
	}
	src, err := s.Sources.GetByCode(ctx, def.SourceDatabaseCode)
	if err != nil {
		return err
	}
	enc, err := s.Cipher.Encrypt(def.LoaderSQL)
	if err != nil {
		return err
	}
	current.LoaderSQL = enc
	current.SourceDatabaseID = src.ID
	current.MinIntervalSeconds = def.MinIntervalSeconds
	current.MaxIntervalSeconds = def.MaxIntervalSeconds
	current.MaxQueryPeriodSeconds = def.MaxQueryPeriodSeconds
	current.MaxParallelExecutions = def.MaxParallelExecutions
	current.SourceTimezoneOffsetHours = def.SourceTimezoneOffsetHours
	current.AggregationPeriodSeconds = def.AggregationPeriodSeconds
	current.PurgeStrategy = def.PurgeStrategy
	current.UpdatedBy = def.UpdatedBy
	return s.Loaders.UpdateDefinition(ctx, current)
}

// CreateLoader persists a brand new loader in PENDING_APPROVAL, disabled.
func (s *AdminService) CreateLoader(ctx domain.Context, def LoaderDefinition) (int64, error) {
	if err := s.ValidateDefinition(def); err != nil {
		return 0, err
	}
	src, err := s.Sources.GetByCode(ctx, def.SourceDatabaseCode)
	if err != nil {
		return 0, err
	}
	enc, err := s.Cipher.Encrypt(def.LoaderSQL)
	if err != nil {
		return 0, err
	}
	l := domain.Loader{
		LoaderCode:                def.LoaderCode,
		LoaderSQL:                 enc,
		SourceDatabaseID:          src.ID,
		LoadStatus:                domain.LoadIdle,
		Enabled:                   false,
		ApprovalStatus:            domain.ApprovalPending,
		MinIntervalSeconds:        def.MinIntervalSeconds,
		MaxIntervalSeconds:        def.MaxIntervalSeconds,
		MaxQueryPeriodSeconds:     def.MaxQueryPeriodSeconds,
		MaxParallelExecutions:     def.MaxParallelExecutions,
		SourceTimezoneOffsetHours: def.SourceTimezoneOffsetHours,
		AggregationPeriodSeconds:  def.AggregationPeriodSeconds,
		PurgeStrategy:             def.PurgeStrategy,
		CreatedBy:                 def.UpdatedBy,
		UpdatedBy:                 def.UpdatedBy,
	}
	return s.Loaders.Create(ctx, l)
}

// Pause moves a loader to PAUSED. The scheduler skips paused loaders.
func (s *AdminService) Pause(ctx domain.Context, code string) error {
	return s.Loaders.Pause(ctx, code)
}

// Resume moves a PAUSED loader back to IDLE; any other status is a conflict.
func (s *AdminService) Resume(ctx domain.Context, code string) error {
	return s.Loaders.Resume(ctx, code)
}

// AdjustTimestamp re-seeds the watermark, or clears it when ts is nil so the
// next execution starts from the lookback window.
func (s *AdminService) AdjustTimestamp(ctx domain.Context, code string, ts *time.Time) error {
	return s.Loaders.AdjustTimestamp(ctx, code, ts)
}

// QueryHistory returns execution log entries matching f, newest first.
func (s *AdminService) QueryHistory(ctx domain.Context, f domain.HistoryFilter) ([]domain.LoadHistory, error) {
	if f.Limit <= 0 || f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	return s.History.Query(ctx, f)
}

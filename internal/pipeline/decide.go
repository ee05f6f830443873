package pipeline

import (
	"fmt"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// AfterValidate picks the stage that follows validation and applies the
// retry bookkeeping for that transition.
func AfterValidate(s *domain.PipelineState, errs []domain.TypedError) domain.Stage {
	if s.TotalRetries() > s.GlobalRetryCeiling {
		s.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{}
		return domain.StageCheck
	}
	if len(errs) == 0 {
		s.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{}
		return domain.StageCheck
	}
	if s.RetryCount[domain.ValidationErrors] < s.MaxRetriesPerCategory {
		s.RetryCount[domain.ValidationErrors]++
		s.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{domain.ValidationErrors: errs}
		return domain.StageBuild
	}
	s.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{}
	return domain.StageCheck
}

// AfterCheck picks the stage that follows the runtime check and applies the
// retry bookkeeping and terminal outcome for that transition.
func AfterCheck(s *domain.PipelineState, errs []domain.TypedError) domain.Stage {
	if total := s.TotalRetries(); total > s.GlobalRetryCeiling {
		s.Success = false
		s.ErrorMessage = fmt.Sprintf("retry ceiling reached after %d retries", total)
		return domain.StageDone
	}
	if len(errs) == 0 {
		s.Success = true
		s.ErrorMessage = ""
		return domain.StageDone
	}
	if s.RetryCount[domain.RuntimeErrors] < s.MaxRetriesPerCategory {
		s.RetryCount[domain.RuntimeErrors]++
		s.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{domain.RuntimeErrors: errs}
		return domain.StageBuild
	}
	s.Success = false
	s.ErrorMessage = fmt.Sprintf("failed after %d retries for runtime errors", s.MaxRetriesPerCategory)
	return domain.StageDone
}

// Package gesture composes DOM waits and clicks into the UI workflows the
// click tests use: committing, creating refs and acting on them.
package gesture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/dom"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
	"github.com/xcawolfe-amzn/clickharness/internal/util"
)

// Selectors used by the workflows.
const (
	SelRepositoryActions = ".repository-actions"
	SelStagedFileButton  = ".files .file .btn-default"
	SelCommitMessage     = ".staging input.form-control"
	SelCommitButton      = ".commit-btn"
	SelShowBranchingForm = ".current ~ .new-ref button.showBranchingForm"
	SelNewRefInput       = ".ref-icons.new-ref.editing input"
	SelNewBranchButton   = ".new-ref .btn-primary"
	SelNewTagButton      = ".new-ref .btn-default"
	SelConfirmButton     = ".modal-dialog .btn-primary"
)

// RefKind is the kind of ref created from the graph.
type RefKind string

const (
	Branch RefKind = "branch"
	Tag    RefKind = "tag"
)

// Sequencer runs workflows against one page.
type Sequencer struct {
	page   dom.Page
	waiter *dom.Waiter
	wait   config.WaitConfig
	logger *log.Logger

	// pause follows navigation, commits and ref selection.
	pause time.Duration
}

// New creates a sequencer. The waiter must poll the same page.
func New(page dom.Page, waiter *dom.Waiter, wait config.WaitConfig, logger *log.Logger) *Sequencer {
	return &Sequencer{page: page, waiter: waiter, wait: wait, logger: logging.OrDiscard(logger), pause: time.Second}
}

// Waiter returns the waiter the sequencer polls with.
func (s *Sequencer) Waiter() *dom.Waiter {
	return s.waiter
}

// Wait pauses for d or until ctx is done.
func (s *Sequencer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Type sends text to the focused element.
func (s *Sequencer) Type(ctx context.Context, text string) error {
	return s.page.Type(ctx, text)
}

// Press sends a single key.
func (s *Sequencer) Press(ctx context.Context, key string) error {
	return s.page.Press(ctx, key)
}

// Insert replaces the value of the element matching selector with text.
func (s *Sequencer) Insert(ctx context.Context, selector, text string) error {
	el, err := s.waiter.WaitVisible(ctx, selector, 0)
	if err != nil {
		return err
	}
	if err := el.Clear(ctx); err != nil {
		return fmt.Errorf("clearing %s: %w", selector, err)
	}
	if err := el.Focus(ctx); err != nil {
		return fmt.Errorf("focusing %s: %w", selector, err)
	}
	if err := s.page.Type(ctx, text); err != nil {
		return fmt.Errorf("typing into %s: %w", selector, err)
	}
	return nil
}

// Click waits for selector, lets the UI settle, then clicks the element that
// is visible after settling. A clickCount <= 0 clicks once.
func (s *Sequencer) Click(ctx context.Context, selector string, clickCount int) error {
	if clickCount <= 0 {
		clickCount = 1
	}
	if _, err := s.waiter.WaitVisible(ctx, selector, 0); err != nil {
		return err
	}
	if err := s.Wait(ctx, s.wait.SettleDelay); err != nil {
		return err
	}
	el, err := s.waiter.WaitVisible(ctx, selector, 0)
	if err != nil {
		return err
	}
	s.logger.Debug("click", "selector", selector, "count", clickCount)
	if err := el.Click(ctx, clickCount); err != nil {
		return fmt.Errorf("clicking %s: %w", selector, err)
	}
	return nil
}

// RepositoryURL is the UI address of the repository at path.
func RepositoryURL(rootURL, path string) string {
	return rootURL + "/#/repository?path=" + util.EncodePath(path)
}

// OpenRepository navigates to the repository view for path and waits for it
// to render.
func (s *Sequencer) OpenRepository(ctx context.Context, rootURL, path string) error {
	url := RepositoryURL(rootURL, path)
	s.logger.Info("go to page", "url", url)
	if err := s.page.Navigate(ctx, url); err != nil {
		return err
	}
	if _, err := s.waiter.WaitVisible(ctx, SelRepositoryActions, 0); err != nil {
		return err
	}
	return s.Wait(ctx, s.pause)
}

// Commit stages the pending files and commits them with message.
func (s *Sequencer) Commit(ctx context.Context, message string) error {
	if _, err := s.waiter.WaitVisible(ctx, SelStagedFileButton, 0); err != nil {
		return err
	}
	if err := s.Insert(ctx, SelCommitMessage, message); err != nil {
		return err
	}
	if err := s.Click(ctx, SelCommitButton, 1); err != nil {
		return err
	}
	if err := s.waiter.WaitHidden(ctx, SelStagedFileButton, s.wait.CommitHiddenTimeout); err != nil {
		return fmt.Errorf("waiting for commit to apply: %w", err)
	}
	return s.Wait(ctx, s.pause)
}

// CreateBranch creates a branch at the current commit.
func (s *Sequencer) CreateBranch(ctx context.Context, name string) error {
	return s.createRef(ctx, Branch, name)
}

// CreateTag creates a tag at the current commit.
func (s *Sequencer) CreateTag(ctx context.Context, name string) error {
	return s.createRef(ctx, Tag, name)
}

func (s *Sequencer) createRef(ctx context.Context, kind RefKind, name string) error {
	if err := s.Click(ctx, SelShowBranchingForm, 1); err != nil {
		return err
	}
	if err := s.Wait(ctx, s.wait.SettleDelay); err != nil {
		return err
	}
	if err := s.Insert(ctx, SelNewRefInput, name); err != nil {
		return err
	}
	submit := SelNewTagButton
	if kind == Branch {
		submit = SelNewBranchButton
	}
	if err := s.Click(ctx, submit, 1); err != nil {
		return err
	}
	if _, err := s.waiter.WaitVisible(ctx, RefSelector(kind, name), 0); err != nil {
		return fmt.Errorf("waiting for %s %s: %w", kind, name, err)
	}
	return nil
}

// RefAction opens the ref's menu and applies action to it.
func (s *Sequencer) RefAction(ctx context.Context, ref string, local bool, action string) error {
	if err := s.Click(ctx, BranchSelector(ref, local), 1); err != nil {
		return err
	}
	if err := s.Click(ctx, ActionDropSelector("", action), 1); err != nil {
		return err
	}
	return s.confirm(ctx, action)
}

// MoveRef drags ref onto the node titled targetTitle.
func (s *Sequencer) MoveRef(ctx context.Context, ref, targetTitle string) error {
	if err := s.Click(ctx, fmt.Sprintf(`.branch[data-ta-name="%s"]`, ref), 1); err != nil {
		return err
	}
	if err := s.Wait(ctx, s.pause); err != nil {
		return err
	}
	if err := s.Click(ctx, ActionDropSelector(targetTitle, "move"), 1); err != nil {
		return err
	}
	return s.confirm(ctx, "move")
}

// confirm accepts the confirmation dialog if one appears, then waits for the
// action to be applied. A missing dialog is not an error.
func (s *Sequencer) confirm(ctx context.Context, action string) error {
	if _, err := s.waiter.WaitVisible(ctx, SelConfirmButton, s.wait.ConfirmTimeout); err == nil {
		if err := s.Wait(ctx, s.wait.SettleDelay); err != nil {
			return err
		}
		if err := s.Click(ctx, SelConfirmButton, 1); err != nil {
			s.logger.Debug("confirmation click failed", "action", action, "err", err)
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else if !errors.Is(err, dom.ErrTimeout) {
		s.logger.Debug("confirmation dialog check failed", "action", action, "err", err)
	}
	return s.waiter.WaitHidden(ctx, actionSelector(action), 0)
}

// RefSelector matches a rendered ref of kind named name.
func RefSelector(kind RefKind, name string) string {
	return fmt.Sprintf(`.ref.%s[data-ta-name="%s"]`, kind, name)
}

// BranchSelector matches a branch label, local or remote.
func BranchSelector(ref string, local bool) string {
	return fmt.Sprintf(`.branch[data-ta-name="%s"][data-ta-local="%t"]`, ref, local)
}

func actionSelector(action string) string {
	return fmt.Sprintf(`[data-ta-action="%s"]:not([style*="display: none"])`, action)
}

// ActionDropSelector matches the drop target of a visible action, optionally
// scoped to the graph node titled nodeTitle.
func ActionDropSelector(nodeTitle, action string) string {
	sel := actionSelector(action) + " .dropmask"
	if nodeTitle == "" {
		return sel
	}
	return fmt.Sprintf(`[data-ta-node-title="%s"] %s`, nodeTitle, sel)
}

package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/xcawolfe-amzn/clickharness/internal/dom"
	"github.com/xcawolfe-amzn/clickharness/internal/fixture"
	"github.com/xcawolfe-amzn/clickharness/internal/gesture"
)

func (e *Environment) sequencer() (*gesture.Sequencer, error) {
	ui := e.UI()
	if ui == nil {
		return nil, ErrNotInitialized
	}
	if err := e.server.Err(); err != nil {
		return nil, fmt.Errorf("server failed: %w", err)
	}
	return ui, nil
}

func (e *Environment) client() (*fixture.Client, error) {
	c := e.Fixtures()
	if c == nil {
		return nil, ErrNotInitialized
	}
	if err := e.server.Err(); err != nil {
		return nil, fmt.Errorf("server failed: %w", err)
	}
	return c, nil
}

// Goto loads url in the browser page.
func (e *Environment) Goto(ctx context.Context, url string) error {
	if _, err := e.sequencer(); err != nil {
		return err
	}
	e.logger.Info("go to page", "url", url)
	return e.browser.Navigate(ctx, url)
}

// InitRepo creates a repository as described by cfg.
func (e *Environment) InitRepo(ctx context.Context, cfg *fixture.RepoConfig) error {
	c, err := e.client()
	if err != nil {
		return err
	}
	return c.InitRepo(ctx, cfg)
}

// CreateCommits adds limit numbered commits to the repository at cfg.Path.
func (e *Environment) CreateCommits(ctx context.Context, cfg *fixture.RepoConfig, limit int) error {
	c, err := e.client()
	if err != nil {
		return err
	}
	return c.CreateCommits(ctx, cfg, limit)
}

// CreateRepos creates each repository with its initial commits.
func (e *Environment) CreateRepos(ctx context.Context, cfgs []*fixture.RepoConfig) ([]string, error) {
	c, err := e.client()
	if err != nil {
		return nil, err
	}
	return c.CreateRepos(ctx, cfgs)
}

// OpenRepository shows the repository at path in the UI.
func (e *Environment) OpenRepository(ctx context.Context, path string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.OpenRepository(ctx, e.RootURL(), path)
}

func (e *Environment) WaitForElementVisible(ctx context.Context, selector string, timeout time.Duration) (dom.Element, error) {
	ui, err := e.sequencer()
	if err != nil {
		return nil, err
	}
	return ui.Waiter().WaitVisible(ctx, selector, timeout)
}

func (e *Environment) WaitForElementHidden(ctx context.Context, selector string, timeout time.Duration) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Waiter().WaitHidden(ctx, selector, timeout)
}

func (e *Environment) Insert(ctx context.Context, selector, text string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Insert(ctx, selector, text)
}

func (e *Environment) Click(ctx context.Context, selector string, clickCount int) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Click(ctx, selector, clickCount)
}

func (e *Environment) Type(ctx context.Context, text string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Type(ctx, text)
}

func (e *Environment) Press(ctx context.Context, key string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Press(ctx, key)
}

func (e *Environment) Wait(ctx context.Context, d time.Duration) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Wait(ctx, d)
}

func (e *Environment) Commit(ctx context.Context, message string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.Commit(ctx, message)
}

func (e *Environment) CreateBranch(ctx context.Context, name string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.CreateBranch(ctx, name)
}

func (e *Environment) CreateTag(ctx context.Context, name string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.CreateTag(ctx, name)
}

// RefAction applies action from the menu of ref. local selects the local
// branch rather than its remote counterpart.
func (e *Environment) RefAction(ctx context.Context, ref string, local bool, action string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.RefAction(ctx, ref, local, action)
}

func (e *Environment) MoveRef(ctx context.Context, ref, targetTitle string) error {
	ui, err := e.sequencer()
	if err != nil {
		return err
	}
	return ui.MoveRef(ctx, ref, targetTitle)
}

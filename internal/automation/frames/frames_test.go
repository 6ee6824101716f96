package frames

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/fakedom"
	"github.com/ternarybob/portalbatch/internal/automation/selector"
	"github.com/ternarybob/portalbatch/internal/models"
)

// buildTree creates a uniform tree with the given branching to the given depth
func buildTree(f *fakedom.Frame, branching, depth int) {
	if depth == 0 {
		return
	}
	for i := 0; i < branching; i++ {
		child := f.AddFrame(nil)
		child.Add(&fakedom.Element{Tag: "p", Text: "filler"})
		buildTree(child, branching, depth-1)
	}
}

func mustTarget(t *testing.T, name string, strategies ...string) selector.Target {
	t.Helper()
	target, err := selector.NewTarget(name, strategies...)
	require.NoError(t, err)
	return target
}

func TestNavigator_EnterRoundTrip(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	buildTree(page.Top, 3, 2)
	page.Top.Frames[2].Frames[0].Add(&fakedom.Element{ID: "form:codigoFichaITX"})
	browser := fakedom.NewBrowser(page)
	ctx := context.Background()

	locator := NewLocator(NewNavigator(browser), Limits{MaxDepth: 2, MaxBranching: 16}, arbor.NewLogger())
	target := mustTarget(t, "identifier_field", "id:form:codigoFichaITX")

	result, err := locator.Locate(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, models.FramePath{2, 0}, result.Path)

	// entering the returned path lands in a context where the same target resolves
	doc, err := NewNavigator(browser).Enter(ctx, result.Path)
	require.NoError(t, err)
	assert.Equal(t, result.Path, doc.Path())
	_, err = target.Resolve(ctx, doc)
	assert.NoError(t, err)
}

func TestNavigator_StalePath(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	buildTree(page.Top, 2, 2)
	browser := fakedom.NewBrowser(page)
	navigator := NewNavigator(browser)
	ctx := context.Background()

	tests := []struct {
		name string
		path models.FramePath
	}{
		{"index out of range at top", models.FramePath{5}},
		{"index out of range nested", models.FramePath{1, 2}},
		{"negative index", models.FramePath{-1}},
		{"deeper than tree", models.FramePath{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := navigator.Enter(ctx, tt.path)
			assert.ErrorIs(t, err, models.ErrStaleFramePath)
		})
	}

	doc, err := navigator.Enter(ctx, models.FramePath{})
	require.NoError(t, err)
	assert.True(t, doc.Path().IsTop())
}

func TestNavigator_AlwaysStartsFromTop(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	buildTree(page.Top, 2, 2)
	navigator := NewNavigator(fakedom.NewBrowser(page))
	ctx := context.Background()

	for _, path := range []models.FramePath{{0, 1}, {1, 0}, {1}} {
		_, err := navigator.Enter(ctx, path)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, page.RootEntries)
}

func TestLocator_PrefersShallowestContext(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	buildTree(page.Top, 2, 2)
	page.Top.Frames[0].Frames[1].Add(&fakedom.Element{ID: "target"})
	page.Top.Frames[1].Add(&fakedom.Element{ID: "target"})

	locator := NewLocator(NewNavigator(fakedom.NewBrowser(page)), Limits{}, arbor.NewLogger())
	result, err := locator.Locate(context.Background(), mustTarget(t, "target", "id:target"))
	require.NoError(t, err)
	assert.Equal(t, models.FramePath{1}, result.Path)
}

func TestLocator_TopLevelMatch(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	page.Top.Add(&fakedom.Element{ID: "proceed-button"})
	buildTree(page.Top, 3, 2)

	locator := NewLocator(NewNavigator(fakedom.NewBrowser(page)), Limits{}, arbor.NewLogger())
	result, err := locator.Locate(context.Background(), mustTarget(t, "proceed", "id:proceed-button"))
	require.NoError(t, err)
	assert.True(t, result.Path.IsTop())
	assert.Equal(t, 1, result.Visited)
}

func TestLocator_BoundedSearch(t *testing.T) {
	tests := []struct {
		name        string
		treeBranch  int
		treeDepth   int
		limits      Limits
		wantVisited int
	}{
		{"depth 2 branching 3", 3, 2, Limits{MaxDepth: 2, MaxBranching: 16}, 1 + 3 + 9},
		{"deeper tree is cut at depth 2", 3, 4, Limits{MaxDepth: 2, MaxBranching: 16}, 1 + 3 + 9},
		{"branching capped", 5, 2, Limits{MaxDepth: 2, MaxBranching: 2}, 1 + 2 + 4},
		{"depth 1", 4, 3, Limits{MaxDepth: 1, MaxBranching: 16}, 1 + 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := fakedom.NewPage("http://portal.test/")
			buildTree(page.Top, tt.treeBranch, tt.treeDepth)

			locator := NewLocator(NewNavigator(fakedom.NewBrowser(page)), tt.limits, arbor.NewLogger())
			result, err := locator.Locate(context.Background(), mustTarget(t, "absent", "id:absent"))

			assert.ErrorIs(t, err, models.ErrNotFound)
			assert.Equal(t, tt.wantVisited, result.Visited)

			b := tt.limits.MaxBranching
			if tt.treeBranch < b {
				b = tt.treeBranch
			}
			bound := 1
			level := 1
			for d := 0; d < tt.limits.MaxDepth; d++ {
				level *= b
				bound += level
			}
			assert.LessOrEqual(t, result.Visited, bound)
			// one fresh entry from the top per visited context
			assert.Equal(t, result.Visited, page.RootEntries)
		})
	}
}

func TestLocator_SkipsContextThatVanishes(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	first := page.Top.AddFrame(nil)
	first.AddFrame(nil)
	first.AddFrame(nil)
	page.Top.AddFrame(nil).AddFrame(nil).Add(&fakedom.Element{ID: "target"})

	// a script tears down the first frame's children after they were queued
	page.BeforeQuery = func(p *fakedom.Page, path models.FramePath) {
		if path.Equal(models.FramePath{1}) {
			first.Frames = nil
		}
	}

	locator := NewLocator(NewNavigator(fakedom.NewBrowser(page)), Limits{}, arbor.NewLogger())
	result, err := locator.Locate(context.Background(), mustTarget(t, "target", "id:target"))
	require.NoError(t, err)
	assert.Equal(t, models.FramePath{1, 0}, result.Path)
	// [], [0], [1] and [1,0]; both children of [0] were skipped as stale
	assert.Equal(t, 4, result.Visited)
}

func TestLocator_HonoursCancellation(t *testing.T) {
	page := fakedom.NewPage("http://portal.test/")
	buildTree(page.Top, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	locator := NewLocator(NewNavigator(fakedom.NewBrowser(page)), Limits{}, arbor.NewLogger())
	_, err := locator.Locate(ctx, mustTarget(t, "absent", "id:absent"))
	assert.ErrorIs(t, err, context.Canceled)
}

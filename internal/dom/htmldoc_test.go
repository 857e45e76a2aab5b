package dom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `<html><body>
<div class="row" data-link="1"><span id="a">Accept ⏎</span></div>
<div class="bg-dropdown-background">
  <span id="msg">Connection failed</span>
  <div role="button" id="retry"><span>Try again</span></div>
</div>
<div contenteditable="true" class="aislash-editor-input"></div>
</body></html>`

func TestQueryAllDocumentOrder(t *testing.T) {
	ctx := context.Background()
	doc := MustParseHTML(fixture)

	spans, err := doc.QueryAll(ctx, "span")
	require.NoError(t, err)
	require.Len(t, spans, 3)

	var texts []string
	for _, s := range spans {
		txt, err := s.Text(ctx)
		require.NoError(t, err)
		texts = append(texts, txt)
	}
	assert.Equal(t, []string{"Accept ⏎", "Connection failed", "Try again"}, texts)
}

func TestQueryMissingReturnsNil(t *testing.T) {
	doc := MustParseHTML(fixture)
	el, err := doc.Query(context.Background(), "textarea")
	require.NoError(t, err)
	assert.Nil(t, el)
}

func TestInvalidSelector(t *testing.T) {
	doc := MustParseHTML(fixture)
	_, err := doc.QueryAll(context.Background(), "span[")
	assert.Error(t, err)
}

func TestClosestIncludesSelfAndAncestors(t *testing.T) {
	ctx := context.Background()
	doc := MustParseHTML(fixture)

	span, err := doc.Query(ctx, "#a")
	require.NoError(t, err)

	self, err := span.Closest(ctx, "span")
	require.NoError(t, err)
	require.NotNil(t, self)
	assert.Equal(t, "span#a", self.Describe())

	row, err := span.Closest(ctx, "[data-link]")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "div.row", row.Describe())

	none, err := span.Closest(ctx, "section")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClickRecordsAndRunsHandlers(t *testing.T) {
	ctx := context.Background()
	doc := MustParseHTML(fixture)

	require.NoError(t, doc.OnClick("#retry", func(d *HTMLDocument, _ *HTMLElement) {
		_, _ = d.Remove("#msg")
	}))

	retry, err := doc.Query(ctx, "#retry")
	require.NoError(t, err)
	require.NoError(t, retry.Click(ctx))

	clicks := doc.Clicks()
	require.Len(t, clicks, 1)
	assert.Equal(t, `div#retry[role="button"]`, clicks[0].Target)
	assert.Equal(t, "Try again", clicks[0].Text)

	msg, err := doc.Query(ctx, "#msg")
	require.NoError(t, err)
	assert.Nil(t, msg, "handler should have removed the error message")
}

func TestDetachedElement(t *testing.T) {
	ctx := context.Background()
	doc := MustParseHTML(fixture)

	msg, err := doc.Query(ctx, "#msg")
	require.NoError(t, err)

	n, err := doc.Remove("#msg")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = msg.Text(ctx)
	assert.ErrorIs(t, err, ErrDetached)
	assert.ErrorIs(t, msg.Click(ctx), ErrDetached)
}

func TestInputMutations(t *testing.T) {
	ctx := context.Background()
	doc := MustParseHTML(fixture)

	box, err := doc.Query(ctx, `div[contenteditable="true"].aislash-editor-input`)
	require.NoError(t, err)
	require.NotNil(t, box)

	require.NoError(t, box.Focus(ctx))
	require.NoError(t, box.SetHTML(ctx, "<p>continue</p>"))
	require.NoError(t, box.DispatchInput(ctx))

	require.NotNil(t, doc.Focused())
	inner, err := doc.Focused().InnerHTML()
	require.NoError(t, err)
	assert.Equal(t, "<p>continue</p>", inner)

	events := doc.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventFocus, events[0].Kind)
	assert.Equal(t, EventSetHTML, events[1].Kind)
	assert.Equal(t, EventInput, events[2].Kind)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := MustParseHTML(fixture)
	_, err := doc.QueryAll(ctx, "span")
	assert.ErrorIs(t, err, context.Canceled)
}

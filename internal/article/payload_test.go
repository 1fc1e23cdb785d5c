package article

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/flow-forge/internal/flow"
)

func TestDecodePayloadByQueue(t *testing.T) {
	p, err := DecodePayload(QueueUpdateProduct, json.RawMessage(`{"step":"wait-for-children","productId":"p1"}`))
	require.NoError(t, err)
	up, ok := p.(*UpdateProductPayload)
	require.True(t, ok)
	assert.Equal(t, "p1", up.ProductID)
	assert.Equal(t, flow.StepWaitForChildren, up.Step)

	p, err = DecodePayload(QueueScrapeWebsite, json.RawMessage(`{"productId":"p1","url":"https://a.example"}`))
	require.NoError(t, err)
	assert.IsType(t, &ScrapeWebsitePayload{}, p)

	for _, q := range Queues {
		assert.NotPanics(t, func() { _, _ = DecodePayload(q, json.RawMessage(`{}`)) })
	}
}

func TestDecodePayloadRejectsInvalid(t *testing.T) {
	tests := []struct {
		queue string
		raw   string
	}{
		{QueueUpdateArticle, `{}`},
		{QueueGenerateArticle, `{"articleId":""}`},
		{QueueUpdateProduct, `{"step":"unknown","productId":"p"}`},
		{QueueScreenshot, `{"url":"https://a"}`},
		{QueueScrapeWebsite, `{"productId":"p"}`},
		{QueueScrapeWebsite, `not json`},
		{"other", `{}`},
	}
	for _, tt := range tests {
		_, err := DecodePayload(tt.queue, json.RawMessage(tt.raw))
		assert.Error(t, err, "%s %s", tt.queue, tt.raw)
	}
}

func TestJobIDsAreDeterministic(t *testing.T) {
	assert.Equal(t, "update-article-a1", UpdateArticleJobID("a1"))
	assert.Equal(t, "generate-article-a1", GenerateArticleJobID("a1"))
	assert.Equal(t, "update-product-p1", UpdateProductJobID("p1"))
	assert.Equal(t, "screenshot-p1", ScreenshotJobID("p1"))

	id := ScrapeJobID("p1", "https://a.example/x")
	assert.Equal(t, id, ScrapeJobID("p1", "https://a.example/x"))
	assert.NotEqual(t, id, ScrapeJobID("p1", "https://a.example/y"))
	assert.Len(t, id, len("scrape-p1-")+12)
}

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

func TestBuildMessageCarriesEventAttributes(t *testing.T) {
	event := crawler.RunEvent{RunID: "run-1", Kind: crawler.RunKindCleanup, Status: crawler.RunStatusSucceeded,
		Cleanup: &crawler.CleanupSummary{TotalProcessed: 250, BrokenSources: 3}}

	msg, err := buildMessage(context.Background(), "scrape-runs", event)
	require.NoError(t, err)
	assert.Equal(t, "run-1", msg.Attributes["run_id"])
	assert.Equal(t, "cleanup", msg.Attributes["kind"])
	assert.Equal(t, "succeeded", msg.Attributes["status"])
	assert.Equal(t, "scrape-runs", msg.Attributes["topic"])

	var decoded crawler.RunEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.NotNil(t, decoded.Cleanup)
	assert.Equal(t, 250, decoded.Cleanup.TotalProcessed)
}

func TestBuildMessageRejectsUnmarshalable(t *testing.T) {
	_, err := buildMessage(context.Background(), "t", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
	New(nil).Stop()
}

func TestCarrier(t *testing.T) {
	c := &carrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}

type fakeAdmin struct {
	topic *pubsubpb.Topic
	err   error
	got   string
}

func (f *fakeAdmin) GetTopic(_ context.Context, req *pubsubpb.GetTopicRequest, _ ...gax.CallOption) (*pubsubpb.Topic, error) {
	f.got = req.GetTopic()
	return f.topic, f.err
}

func TestCheckTopic(t *testing.T) {
	tests := []struct {
		name    string
		admin   *fakeAdmin
		wantErr string
	}{
		{name: "active", admin: &fakeAdmin{topic: &pubsubpb.Topic{State: pubsubpb.Topic_ACTIVE}}},
		{name: "missing", admin: &fakeAdmin{err: errors.New("rpc error: NotFound")}, wantErr: "get pubsub topic"},
		{name: "inactive", admin: &fakeAdmin{topic: &pubsubpb.Topic{State: pubsubpb.Topic_STATE_UNSPECIFIED}}, wantErr: "not active"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTopic(context.Background(), tt.admin, "proj", "runs")
			assert.Equal(t, "projects/proj/topics/runs", tt.admin.got)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

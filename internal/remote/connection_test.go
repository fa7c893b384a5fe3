package remote_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

func TestListenResponse_SnapshotVersion(t *testing.T) {
	global := func(state remote.WatchTargetChangeState) *remote.ListenResponse {
		return &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{State: state, ReadTime: 7}}
	}
	tests := []struct {
		name string
		resp *remote.ListenResponse
		want model.SnapshotVersion
	}{
		{"global no change", global(remote.TargetNoChange), 7},
		{"global current", global(remote.TargetCurrent), model.MinVersion},
		{"global reset", global(remote.TargetReset), model.MinVersion},
		{"targeted no change", &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{
			State: remote.TargetNoChange, TargetIDs: []model.TargetID{2}, ReadTime: 7,
		}}, model.MinVersion},
		{"document change", &remote.ListenResponse{DocumentChange: &remote.DocumentWatchChange{}}, model.MinVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.SnapshotVersion())
		})
	}
}

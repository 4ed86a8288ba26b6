package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraftlab/kraft/common"
)

// echoHandler grants every vote and answers fetches with its configured
// epoch.
type echoHandler struct {
	epoch int32
}

func (h *echoHandler) HandleVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	return &common.VoteResponse{Epoch: h.epoch, Granted: true}, nil
}

func (h *echoHandler) HandleBeginQuorumEpoch(req *common.BeginQuorumEpochRequest) (*common.BeginQuorumEpochResponse, error) {
	return &common.BeginQuorumEpochResponse{Epoch: h.epoch}, nil
}

func (h *echoHandler) HandleEndQuorumEpoch(req *common.EndQuorumEpochRequest) (*common.EndQuorumEpochResponse, error) {
	return &common.EndQuorumEpochResponse{Epoch: h.epoch}, nil
}

func (h *echoHandler) HandleFetch(req *common.FetchRequest) (*common.FetchResponse, error) {
	return &common.FetchResponse{Epoch: h.epoch, HighWatermark: 42}, nil
}

func (h *echoHandler) HandleFetchSnapshot(req *common.FetchSnapshotRequest) (*common.FetchSnapshotResponse, error) {
	return &common.FetchSnapshotResponse{Epoch: h.epoch}, nil
}

func awaitResponse(t *testing.T, req *common.RaftRequest) common.RaftResponse {
	t.Helper()
	select {
	case resp := <-req.Completion.Done():
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response within deadline")
		return common.RaftResponse{}
	}
}

func Test_CorrelationIDsAreUnique(t *testing.T) {
	channel := NewChannel()
	defer channel.Close()
	seen := make(map[int32]bool)
	for i := 0; i < 100; i++ {
		id := channel.NewCorrelationID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func Test_UnknownCorrelationRejected(t *testing.T) {
	channel := NewChannel()
	defer channel.Close()
	err := channel.Deliver(common.RaftResponse{CorrelationID: 999, Data: &common.VoteResponse{}})
	assert.ErrorIs(t, err, common.ErrUnknownCorrelation)
}

func Test_ResponseCompletesExactlyOnce(t *testing.T) {
	channel := NewChannel()
	defer channel.Close()
	channel.UpdateEndpoint(7, "127.0.0.1:1")

	req := common.NewRaftRequest(7, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.VoteRequest{Epoch: 1})
	channel.Send(req)
	resp := awaitResponse(t, req)
	assert.ErrorIs(t, resp.Err, common.ErrNodeNotAvailable)

	// A late duplicate for the same correlation id is rejected.
	err := channel.Deliver(common.RaftResponse{CorrelationID: req.CorrelationID, Data: &common.VoteResponse{}})
	assert.ErrorIs(t, err, common.ErrUnknownCorrelation)
}

func Test_UnknownDestinationFailsFast(t *testing.T) {
	channel := NewChannel()
	defer channel.Close()
	req := common.NewRaftRequest(42, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.FetchRequest{})
	channel.Send(req)
	resp := awaitResponse(t, req)
	assert.ErrorIs(t, resp.Err, common.ErrNodeNotAvailable)
}

func Test_ChannelRoundTripOverRPC(t *testing.T) {
	handler := &echoHandler{epoch: 9}
	server, err := StartServer("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer server.Close()

	channel := NewChannel()
	defer channel.Close()
	channel.UpdateEndpoint(1, server.Addr())

	req := common.NewRaftRequest(1, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.FetchRequest{Epoch: 9, ReplicaID: 2})
	channel.Send(req)
	resp := awaitResponse(t, req)
	require.NoError(t, resp.Err)
	fetch, ok := resp.Data.(*common.FetchResponse)
	require.True(t, ok)
	assert.Equal(t, int32(9), fetch.Epoch)
	assert.Equal(t, int64(42), fetch.HighWatermark)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
}

func Test_HungPeerDoesNotBlockOthers(t *testing.T) {
	handler := &echoHandler{epoch: 3}
	server, err := StartServer("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer server.Close()

	// A peer that accepts connections and never answers.
	hung, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer hung.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, conn := range conns {
				conn.Close()
			}
		}()
		for {
			conn, err := hung.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	channel := NewChannel()
	channel.UpdateEndpoint(1, common.ServerAddress(hung.Addr().String()))
	channel.UpdateEndpoint(2, server.Addr())

	stuck := common.NewRaftRequest(1, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.FetchRequest{Epoch: 3, ReplicaID: 2})
	channel.Send(stuck)
	healthy := common.NewRaftRequest(2, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.FetchRequest{Epoch: 3, ReplicaID: 2})
	channel.Send(healthy)

	// The healthy peer answers while the hung call is still pending.
	select {
	case resp := <-healthy.Completion.Done():
		require.NoError(t, resp.Err)
	case <-time.After(requestTimeout / 2):
		t.Fatal("request to a healthy peer waited on the hung peer")
	}

	resp := awaitResponse(t, stuck)
	assert.ErrorIs(t, resp.Err, common.ErrRequestTimedOut)

	// Close returns even though the hung peer never answered.
	closed := make(chan error, 1)
	go func() { closed <- channel.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("channel close did not return")
	}
}

func Test_RouterDeliversAndPartitions(t *testing.T) {
	router := NewRouter()
	router.Register(2, &echoHandler{epoch: 5})
	channel := router.NewChannel(1)
	router.Register(1, &echoHandler{epoch: 5})
	defer channel.Close()

	req := common.NewRaftRequest(2, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.VoteRequest{Epoch: 5, CandidateID: 1})
	channel.Send(req)
	resp := awaitResponse(t, req)
	require.NoError(t, resp.Err)
	vote := resp.Data.(*common.VoteResponse)
	assert.True(t, vote.Granted)

	router.Disconnect(2)
	req = common.NewRaftRequest(2, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.VoteRequest{Epoch: 5, CandidateID: 1})
	channel.Send(req)
	resp = awaitResponse(t, req)
	assert.ErrorIs(t, resp.Err, common.ErrNodeNotAvailable)

	router.Reconnect(2)
	req = common.NewRaftRequest(2, channel.NewCorrelationID(), time.Now().UnixMilli(), &common.VoteRequest{Epoch: 5, CandidateID: 1})
	channel.Send(req)
	resp = awaitResponse(t, req)
	assert.NoError(t, resp.Err)
}

package transport

import (
	"net"
	"net/rpc"

	"github.com/kraftlab/kraft/common"
)

// Handler is the inbound side of the quorum RPC surface, implemented by the
// raft core. Each method runs on the caller's connection goroutine and blocks
// until the driver thread has produced a response.
type Handler interface {
	HandleVote(req *common.VoteRequest) (*common.VoteResponse, error)
	HandleBeginQuorumEpoch(req *common.BeginQuorumEpochRequest) (*common.BeginQuorumEpochResponse, error)
	HandleEndQuorumEpoch(req *common.EndQuorumEpochRequest) (*common.EndQuorumEpochResponse, error)
	HandleFetch(req *common.FetchRequest) (*common.FetchResponse, error)
	HandleFetchSnapshot(req *common.FetchSnapshotRequest) (*common.FetchSnapshotResponse, error)
}

// RaftService adapts a Handler to the net/rpc method signature convention.
type RaftService struct {
	handler Handler
}

func (s *RaftService) Vote(args *common.VoteRequest, reply *common.VoteResponse) error {
	res, err := s.handler.HandleVote(args)
	if err != nil {
		return err
	}
	*reply = *res
	return nil
}

func (s *RaftService) BeginQuorumEpoch(args *common.BeginQuorumEpochRequest, reply *common.BeginQuorumEpochResponse) error {
	res, err := s.handler.HandleBeginQuorumEpoch(args)
	if err != nil {
		return err
	}
	*reply = *res
	return nil
}

func (s *RaftService) EndQuorumEpoch(args *common.EndQuorumEpochRequest, reply *common.EndQuorumEpochResponse) error {
	res, err := s.handler.HandleEndQuorumEpoch(args)
	if err != nil {
		return err
	}
	*reply = *res
	return nil
}

func (s *RaftService) Fetch(args *common.FetchRequest, reply *common.FetchResponse) error {
	res, err := s.handler.HandleFetch(args)
	if err != nil {
		return err
	}
	*reply = *res
	return nil
}

func (s *RaftService) FetchSnapshot(args *common.FetchSnapshotRequest, reply *common.FetchSnapshotResponse) error {
	res, err := s.handler.HandleFetchSnapshot(args)
	if err != nil {
		return err
	}
	*reply = *res
	return nil
}

// Server accepts quorum RPCs at a fixed address and forwards them to the
// handler.
type Server struct {
	listener net.Listener
}

func StartServer(address common.ServerAddress, handler Handler) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("RaftService", &RaftService{handler: handler}); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return nil, err
	}
	go rpcServer.Accept(listener)
	return &Server{listener: listener}, nil
}

func (s *Server) Addr() common.ServerAddress {
	return common.ServerAddress(s.listener.Addr().String())
}

func (s *Server) Close() error {
	return s.listener.Close()
}

package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hopboxdev/bpshell/internal/session"
)

// errBadRequest marks errors in the request envelope or its params.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeParams unmarshals req.Params into v. Missing params leave v zero.
func decodeParams(req rpcRequest, v any) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return badRequest("decode params: %v", err)
	}
	return nil
}

// session returns the reservation's session. Only load_config creates one;
// every other method needs a session that already exists.
func (s *Server) session(req rpcRequest, create bool) (*session.Session, error) {
	if req.ReservationID == "" {
		return nil, badRequest("reservation_id required")
	}
	if create {
		return s.sessions.Session(req.ReservationID)
	}
	return s.sessions.Lookup(req.ReservationID)
}

func (s *Server) rpcLoadConfig(ctx context.Context, req rpcRequest) (any, error) {
	var params struct {
		ConfigFileLocation string `json:"config_file_location"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.ConfigFileLocation) == "" {
		return nil, badRequest("params.config_file_location required")
	}
	sess, err := s.session(req, true)
	if err != nil {
		return nil, err
	}
	return sess.LoadConfiguration(ctx, params.ConfigFileLocation)
}

func (s *Server) rpcStartTraffic(ctx context.Context, req rpcRequest) (any, error) {
	var params struct {
		Blocking bool `json:"blocking"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.session(req, false)
	if err != nil {
		return nil, err
	}
	return sess.StartTraffic(ctx, params.Blocking)
}

func (s *Server) rpcStopTraffic(ctx context.Context, req rpcRequest) (any, error) {
	sess, err := s.session(req, false)
	if err != nil {
		return nil, err
	}
	if err := sess.StopTraffic(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"status": "stopped"}, nil
}

func (s *Server) rpcGetStatistics(ctx context.Context, req rpcRequest) (any, error) {
	var params struct {
		View         string `json:"view_name"`
		OutputFormat string `json:"output_format"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.OutputFormat == "" {
		params.OutputFormat = "json"
	}
	sess, err := s.session(req, false)
	if err != nil {
		return nil, err
	}
	return sess.GetStatistics(ctx, params.View, params.OutputFormat)
}

func (s *Server) rpcGetResults(ctx context.Context, req rpcRequest) (any, error) {
	var params struct {
		Environment string `json:"environment"`
		Format      string `json:"format"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.session(req, false)
	if err != nil {
		return nil, err
	}
	return sess.GetResults(ctx, params.Environment, params.Format)
}

func (s *Server) rpcGetTestFile(ctx context.Context, req rpcRequest) (any, error) {
	var params struct {
		TestName string `json:"test_name"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.TestName) == "" {
		return nil, badRequest("params.test_name required")
	}
	sess, err := s.session(req, false)
	if err != nil {
		return nil, err
	}
	path, err := sess.GetTestFile(ctx, params.TestName)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

func (s *Server) rpcCleanup(ctx context.Context, req rpcRequest) (any, error) {
	if req.ReservationID == "" {
		return nil, badRequest("reservation_id required")
	}
	if err := s.sessions.Cleanup(ctx, req.ReservationID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cleaned"}, nil
}

func (s *Server) rpcGroupsList(_ context.Context, _ rpcRequest) (any, error) {
	return map[string]any{
		"groups":       s.sessions.Groups(),
		"reservations": s.sessions.Reservations(),
	}, nil
}

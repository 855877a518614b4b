package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
	"github.com/a-liut/helmet-nav-go/pkg/nav"
	"github.com/a-liut/helmet-nav-go/pkg/routing"
)

const shutdownTimeout = 5 * time.Second

// Helmet is the connection the API controls.
type Helmet interface {
	StatusSource
	ScanAndConnect(ctx context.Context) error
	Disconnect() error
	SendText(text string) error
}

// Trips is the navigator the API controls.
type Trips interface {
	Route(ctx context.Context, origin nav.Coordinate, destination string) (*nav.Route, error)
	Start(ctx context.Context, req nav.TripRequest) (*nav.Session, error)
	Current() *nav.Session
	UpdatePosition(pos nav.Coordinate) error
	Stop() error
}

type Endpoint struct {
	Path    string
	Handler func(w http.ResponseWriter, r *http.Request)
	Methods []string
}

type ApiResponse struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type SendRequest struct {
	Text string `json:"text"`
}

type TripStartRequest struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Destination string  `json:"destination"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the HTTP control surface of the node.
type Server struct {
	addr   string
	helmet Helmet
	trips  Trips
	hub    *Hub
	log    *logging.Logger
	router *mux.Router
}

func NewServer(addr string, h Helmet, trips Trips, hub *Hub, log *logging.Logger) *Server {
	if log == nil {
		log = logging.MustGetLogger("api")
	}
	s := &Server{addr: addr, helmet: h, trips: trips, hub: hub, log: log}

	s.router = mux.NewRouter()
	for _, e := range s.endpoints() {
		s.router.HandleFunc(e.Path, e.Handler).Methods(e.Methods...)
	}
	return s
}

func (s *Server) Name() string {
	return "api"
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until stopChan is closed.
func (s *Server) Start(stopChan chan struct{}) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errc := make(chan error, 1)
	go func() {
		s.log.Noticef("API listening on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-stopChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) endpoints() []Endpoint {
	return []Endpoint{
		{
			Path:    "/helmet",
			Methods: []string{http.MethodGet},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				s.writeJSON(w, http.StatusOK, s.helmet.Status())
			},
		},
		{
			// Scan for the helmet and connect to it
			Path:    "/helmet/connect",
			Methods: []string{http.MethodPost},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				if err := s.helmet.ScanAndConnect(r.Context()); err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, s.helmet.Status())
			},
		},
		{
			Path:    "/helmet/disconnect",
			Methods: []string{http.MethodPost},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				if err := s.helmet.Disconnect(); err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, s.helmet.Status())
			},
		},
		{
			// Send raw text to the helmet, outside of any trip
			Path:    "/helmet/send",
			Methods: []string{http.MethodPost},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var req SendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid data"})
					return
				}
				if err := s.helmet.SendText(req.Text); err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, s.helmet.Status())
			},
		},
		{
			// Route summary; works without a helmet
			Path:    "/route",
			Methods: []string{http.MethodGet},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				origin, ok := parseCoordinate(q.Get("lat"), q.Get("lon"))
				dest := q.Get("destination")
				if !ok || dest == "" {
					s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "lat, lon and destination are required"})
					return
				}

				route, err := s.trips.Route(r.Context(), origin, dest)
				if err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, route)
			},
		},
		{
			Path:    "/trips",
			Methods: []string{http.MethodPost},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var req TripStartRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
					s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid data"})
					return
				}

				session, err := s.trips.Start(r.Context(), nav.TripRequest{
					Origin:      nav.Coordinate{Lat: req.Lat, Lon: req.Lon},
					Destination: req.Destination,
				})
				if err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusCreated, session.Info())
			},
		},
		{
			Path:    "/trips/current",
			Methods: []string{http.MethodGet},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				session := s.trips.Current()
				if session == nil {
					s.writeError(w, nav.ErrNoTrip)
					return
				}
				s.writeJSON(w, http.StatusOK, session.Info())
			},
		},
		{
			Path:    "/trips/current/position",
			Methods: []string{http.MethodPost},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var pos nav.Coordinate
				if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
					s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid data"})
					return
				}
				session := s.trips.Current()
				if session == nil {
					s.writeError(w, nav.ErrNoTrip)
					return
				}
				if err := s.trips.UpdatePosition(pos); err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, session.Info())
			},
		},
		{
			Path:    "/trips/current",
			Methods: []string{http.MethodDelete},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				session := s.trips.Current()
				if session == nil {
					s.writeError(w, nav.ErrNoTrip)
					return
				}
				if err := s.trips.Stop(); err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, session.Info())
			},
		},
		{
			Path:    "/ws",
			Methods: []string{http.MethodGet},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					s.log.Warningf("failed to upgrade connection: %s", err)
					return
				}
				s.hub.AddClient(conn)
			},
		},
	}
}

func parseCoordinate(lat, lon string) (nav.Coordinate, bool) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return nav.Coordinate{}, false
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil || lo < -180 || lo > 180 {
		return nav.Coordinate{}, false
	}
	return nav.Coordinate{Lat: la, Lon: lo}, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warningf("encode response: %s", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	res := &ApiResponse{Message: err.Error()}

	var herr *helmet.Error
	var apiErr *routing.APIError
	switch {
	case errors.As(err, &herr):
		res.Kind = herr.Kind.String()
		res.Message = herr.Msg
		switch herr.Kind {
		case helmet.KindPermissionDenied:
			code = http.StatusForbidden
		case helmet.KindScanTimeout:
			code = http.StatusNotFound
		case helmet.KindScanFailure:
			code = http.StatusServiceUnavailable
		default:
			code = http.StatusBadGateway
		}
	case errors.Is(err, nav.ErrHelmetNotReady), errors.Is(err, nav.ErrTripActive):
		code = http.StatusConflict
	case errors.Is(err, nav.ErrNoTrip):
		code = http.StatusNotFound
	case errors.As(err, &apiErr):
		code = http.StatusBadGateway
		if apiErr.StatusCode == http.StatusBadRequest {
			code = http.StatusUnprocessableEntity
		}
	case errors.Is(err, helmet.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}

	s.log.Debugf("%d: %s", code, err)
	s.writeJSON(w, code, res)
}

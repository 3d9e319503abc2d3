// Package server exposes the query engine over a line-oriented TCP
// protocol: one request per line, one JSON response per line. A request
// is either a JSON QueryRequest document or a bare query string run
// against the connection's current bucket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tesseradb/src/adapters"
	"tesseradb/src/directors"
	"tesseradb/src/executor"
	"tesseradb/src/models"
	"tesseradb/src/schema"
	"tesseradb/src/settings"
)

// Server is the TCP front of the engine.
type Server struct {
	Host              string
	Port              int
	Listener          net.Listener
	ActiveConnections map[string]*Connection
	mu                sync.Mutex
	Running           bool

	journal *executor.DecisionJournal
	logger  *zap.SugaredLogger
}

// Connection represents an active client connection.
type Connection struct {
	ID         string
	Conn       net.Conn
	Reader     *bufio.Reader
	Writer     *bufio.Writer
	Bucket     string
	LastActive time.Time
	Logger     *zap.SugaredLogger
}

// InitServer wires the whole engine: logger, adapters for the
// configured mode, schema registry, transaction manager and the
// service singletons.
func InitServer(config *settings.Arguments) (*Server, error) {
	var logger *zap.Logger
	var err error

	if config.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()
	zap.ReplaceGlobals(logger)

	set, err := buildAdapters(config, sugar)
	if err != nil {
		return nil, err
	}

	journal, err := executor.NewDecisionJournal(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision journal: %w", err)
	}

	registry := schema.NewRegistry(sugar)
	txns := executor.NewTransactionManager(set, journal, sugar)
	coordinator := executor.NewCoordinator(set, txns, sugar, config.QueryTimeout)

	schemaService := directors.NewSchemaService(registry, set, sugar, config)
	queryService := directors.NewQueryService(schemaService, coordinator, sugar, config)
	directors.InitServiceManager(schemaService, queryService, sugar)

	return &Server{
		Host:              config.Host,
		Port:              config.Port,
		ActiveConnections: make(map[string]*Connection),
		journal:           journal,
		logger:            sugar,
	}, nil
}

// buildAdapters selects the backend set for the configured mode:
// in-memory engines for standalone, real backend connections for
// external.
func buildAdapters(config *settings.Arguments, logger *zap.SugaredLogger) (adapters.Set, error) {
	if config.Mode != "external" {
		return adapters.NewMemorySet(), nil
	}

	set := adapters.Set{
		models.StorageRelation: adapters.NewMemoryAdapter(models.StorageRelation),
	}
	scalar, err := adapters.NewSQLAdapter(config.ScalarDSN, logger)
	if err != nil {
		return nil, err
	}
	set[models.StorageScalar] = scalar

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	document, err := adapters.NewMongoAdapter(ctx, config.DocumentURI, logger)
	if err != nil {
		return nil, err
	}
	set[models.StorageDocument] = document

	metric, err := adapters.NewBadgerAdapter(config.MetricDir, logger)
	if err != nil {
		return nil, err
	}
	set[models.StorageMetric] = metric
	return set, nil
}

// Start begins listening for incoming connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting server on %s: %w", addr, err)
	}

	s.Listener = listener
	s.Running = true
	s.logger.Infof("TesseraDB server listening on %s", addr)

	go s.acceptConnections()
	return nil
}

var wg sync.WaitGroup

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.Running = false

	s.mu.Lock()
	for id, conn := range s.ActiveConnections {
		conn.Conn.Close()
		delete(s.ActiveConnections, id)
	}
	s.mu.Unlock()

	var err error
	if s.Listener != nil {
		err = s.Listener.Close()
	}
	wg.Wait()

	if jErr := s.journal.Close(); jErr != nil {
		s.logger.Warnf("Error closing decision journal: %v", jErr)
	}

	s.logger.Info("Server shutdown complete")
	s.logger.Sync()
	return err
}

// acceptConnections handles incoming connection requests.
func (s *Server) acceptConnections() {
	for s.Running {
		conn, err := s.Listener.Accept()
		if err != nil {
			if s.Running {
				s.logger.Errorw("Error accepting connection", "error", err)
			}
			continue
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(c)
		}(conn)
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(conn net.Conn) {
	connID := fmt.Sprintf("conn-%d", time.Now().UnixNano())
	connection := &Connection{
		ID:         connID,
		Conn:       conn,
		Reader:     bufio.NewReader(conn),
		Writer:     bufio.NewWriter(conn),
		LastActive: time.Now(),
		Logger:     s.logger.With("connID", connID, "remoteAddr", conn.RemoteAddr().String()),
	}

	s.mu.Lock()
	s.ActiveConnections[connID] = connection
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.ActiveConnections, connID)
		s.mu.Unlock()
		connection.Logger.Infof("Connection %s closed", connID)
		connection.Logger.Sync()
	}()

	connection.Writer.WriteString("TesseraDB ready\n")
	connection.Writer.Flush()

	scanner := bufio.NewScanner(connection.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		connection.LastActive = time.Now()

		result, err := s.processLine(connection, line)
		if err != nil {
			sendError(connection.Writer, err.Error())
		} else {
			sendResult(connection.Writer, result, connection.Logger)
		}
	}
	if err := scanner.Err(); err != nil {
		connection.Logger.Debugf("Read loop ended: %v", err)
	}
}

// processLine maps one request line to a pipeline call.
func (s *Server) processLine(conn *Connection, line string) (interface{}, error) {
	// Session bucket selection.
	if fields := strings.Fields(line); len(fields) == 2 && strings.EqualFold(fields[0], "USE") {
		conn.Bucket = fields[1]
		return map[string]string{"bucket": conn.Bucket}, nil
	}

	request := &models.QueryRequest{}
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), request); err != nil {
			return nil, fmt.Errorf("invalid request document: %v", err)
		}
	} else {
		request.Bucket = conn.Bucket
		request.Query = line
	}
	if request.Bucket == "" {
		request.Bucket = conn.Bucket
	}

	queries := directors.GetServiceManager().QueryService
	if queries == nil {
		return nil, fmt.Errorf("query service is not initialized")
	}
	return queries.Execute(context.Background(), request)
}

func sendResult(writer *bufio.Writer, result interface{}, logger *zap.SugaredLogger) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Errorw("Failed to encode response", "error", err)
		sendError(writer, "internal encoding error")
		return
	}
	writer.Write(payload)
	writer.WriteString("\n")
	writer.Flush()
}

func sendError(writer *bufio.Writer, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	writer.Write(payload)
	writer.WriteString("\n")
	writer.Flush()
}

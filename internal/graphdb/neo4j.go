package graphdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/backoff"
	"github.com/tessellate-ai/ltm/internal/circuitbreaker"
	"github.com/tessellate-ai/ltm/internal/metrics"
	"github.com/tessellate-ai/ltm/internal/tracing"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// Neo4jClient talks to Neo4j over the HTTP transactional API. Every
// operation is a single /tx/commit round trip, so multi-statement
// calls commit atomically.
type Neo4jClient struct {
	cfg      Config
	endpoint string
	httpw    *circuitbreaker.HTTPWrapper
	retry    backoff.Policy
	log      *zap.Logger
}

var _ GraphStore = (*Neo4jClient)(nil)

// NewNeo4jClient builds a client for the transactional endpoint of the
// configured database.
func NewNeo4jClient(cfg Config, logger *zap.Logger) *Neo4jClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Neo4jClient{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URI, "/") + "/db/" + cfg.Database + "/tx/commit",
		httpw:    circuitbreaker.NewHTTPWrapper(httpClient, "neo4j", logger),
		retry:    backoff.Default(),
		log:      logger,
	}
}

// BreakerState exposes the circuit breaker state for health checks.
func (c *Neo4jClient) BreakerState() circuitbreaker.State { return c.httpw.State() }

type txStatement struct {
	Statement  string                 `json:"statement"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type txRequest struct {
	Statements []txStatement `json:"statements"`
}

type txResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []interface{} `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []cypherError `json:"errors"`
}

type statusError struct {
	op   string
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("neo4j %s: status %d: %s", e.op, e.code, e.body)
}

type cypherError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *cypherError) Error() string {
	return fmt.Sprintf("neo4j: %s: %s", e.Code, e.Message)
}

// transient reports whether the server asked for a retry; every other
// Neo.* code is a statement defect and retrying would just repeat it.
func (e *cypherError) transient() bool {
	return strings.HasPrefix(e.Code, "Neo.TransientError")
}

// call commits one transaction through the breaker and classifies the
// outcome: transport failures and 5xx stay retriable, Cypher errors are
// permanent unless the server flags them transient.
func (c *Neo4jClient) call(ctx context.Context, op string, stmts []txStatement) (*txResponse, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.endpoint)
	defer span.End()

	buf, err := json.Marshal(txRequest{Statements: stmts})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordBackendCall("neo4j", op, "error", time.Since(start).Seconds())
		if circuitbreaker.IsOpen(err) {
			return nil, backoff.Permanent(fmt.Errorf("%w: circuit open", ErrUnavailable))
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.RecordBackendCall("neo4j", op, "error", time.Since(start).Seconds())
		return nil, &statusError{op: op, code: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordBackendCall("neo4j", op, "rejected", time.Since(start).Seconds())
		return nil, backoff.Permanent(&statusError{op: op, code: resp.StatusCode, body: string(b)})
	}

	var out txResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordBackendCall("neo4j", op, "error", time.Since(start).Seconds())
		return nil, backoff.Permanent(fmt.Errorf("neo4j %s: decode: %w", op, err))
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		metrics.RecordBackendCall("neo4j", op, "rejected", time.Since(start).Seconds())
		if first.transient() {
			return nil, &first
		}
		return nil, backoff.Permanent(&first)
	}
	metrics.RecordBackendCall("neo4j", op, "ok", time.Since(start).Seconds())
	return &out, nil
}

// do runs one transaction under the retry envelope and folds exhaustion
// into ErrUnavailable.
func (c *Neo4jClient) do(ctx context.Context, op string, stmts []txStatement) (*txResponse, error) {
	var out *txResponse
	err := c.retry.Retry(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.call(ctx, op, stmts)
		return callErr
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrUnavailable):
		return nil, err
	case isRejection(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("neo4j %s: %w", op, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// isRejection reports an error the server ruled on: a 4xx response or a
// non-transient Cypher error. Those propagate unretried and unconverted.
func isRejection(err error) bool {
	var se *statusError
	if errors.As(err, &se) && se.code < 500 {
		return true
	}
	var ce *cypherError
	return errors.As(err, &ce) && !ce.transient()
}

const mergeEntityCypher = `MERGE (e:Entity {name: $name}) SET e += $props`

// Relationship types cannot be parameterized in Cypher, so predicates
// live as a property on a single REL type and join the MERGE key.
const mergeRelationCypher = `MERGE (s:Entity {name: $subject})
MERGE (o:Entity {name: $object})
MERGE (s)-[r:REL {predicate: $predicate}]->(o)
ON CREATE SET r.id = $id, r.seq = timestamp()
SET r.confidence = $confidence, r.source = $source, r.recorded_at = $recorded_at`

func entityStatement(e Entity) txStatement {
	props := e.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	return txStatement{
		Statement:  mergeEntityCypher,
		Parameters: map[string]interface{}{"name": e.Name, "props": props},
	}
}

func relationStatement(t Triple, id string) txStatement {
	return txStatement{
		Statement: mergeRelationCypher,
		Parameters: map[string]interface{}{
			"subject":     t.Subject,
			"predicate":   t.Predicate,
			"object":      t.Object,
			"id":          id,
			"confidence":  t.Confidence,
			"source":      t.Source,
			"recorded_at": t.RecordedAt,
		},
	}
}

// MergeTriple merges both entities and the relation in one transaction.
func (c *Neo4jClient) MergeTriple(ctx context.Context, t Triple) (string, error) {
	if err := validateTriple(t); err != nil {
		return "", err
	}
	id := RelationID(t.Subject, t.Predicate, t.Object)
	if _, err := c.do(ctx, "merge_triple", []txStatement{relationStatement(t, id)}); err != nil {
		return "", err
	}
	return id, nil
}

// MergeSubgraph commits all entity and relation merges as one
// transaction, so a mid-batch failure rolls the whole batch back.
func (c *Neo4jClient) MergeSubgraph(ctx context.Context, entities []Entity, relations []Triple) ([]string, error) {
	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity requires a name")
		}
	}
	for _, t := range relations {
		if err := validateTriple(t); err != nil {
			return nil, err
		}
	}
	stmts := make([]txStatement, 0, len(entities)+len(relations))
	for _, e := range entities {
		stmts = append(stmts, entityStatement(e))
	}
	ids := make([]string, 0, len(relations))
	for _, t := range relations {
		id := RelationID(t.Subject, t.Predicate, t.Object)
		ids = append(ids, id)
		stmts = append(stmts, relationStatement(t, id))
	}
	if _, err := c.do(ctx, "merge_subgraph", stmts); err != nil {
		return nil, err
	}
	return ids, nil
}

const queryTriplesCypher = `MATCH (s:Entity)-[r:REL]->(o:Entity)
WHERE ($subject = '' OR s.name = $subject)
  AND ($predicate = '' OR r.predicate = $predicate)
  AND ($object = '' OR o.name = $object)
RETURN s.name, r.predicate, o.name, r.confidence, r.source, r.recorded_at, r.seq`

// QueryTriples returns relations matching the filter.
func (c *Neo4jClient) QueryTriples(ctx context.Context, f TripleFilter) ([]Triple, error) {
	resp, err := c.do(ctx, "query_triples", []txStatement{{
		Statement: queryTriplesCypher,
		Parameters: map[string]interface{}{
			"subject":   f.Subject,
			"predicate": f.Predicate,
			"object":    f.Object,
		},
	}})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	rows := resp.Results[0].Data
	out := make([]Triple, 0, len(rows))
	for _, d := range rows {
		if len(d.Row) < 7 {
			continue
		}
		out = append(out, Triple{
			Subject:    rowString(d.Row[0]),
			Predicate:  rowString(d.Row[1]),
			Object:     rowString(d.Row[2]),
			Confidence: rowFloatPtr(d.Row[3]),
			Source:     rowString(d.Row[4]),
			RecordedAt: rowFloat(d.Row[5]),
			Seq:        int64(rowFloat(d.Row[6])),
		})
	}
	return out, nil
}

// Run executes one raw statement and returns its rows keyed by column.
func (c *Neo4jClient) Run(ctx context.Context, statement string, params map[string]interface{}) ([]map[string]interface{}, error) {
	resp, err := c.do(ctx, "run", []txStatement{{Statement: statement, Parameters: params}})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	res := resp.Results[0]
	out := make([]map[string]interface{}, 0, len(res.Data))
	for _, d := range res.Data {
		row := make(map[string]interface{}, len(res.Columns))
		for i, col := range res.Columns {
			if i < len(d.Row) {
				row[col] = d.Row[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// Null-valued properties are dropped by Cypher on CREATE, which is
// exactly the behavior the optional fact fields need.
const appendFactCypher = `CREATE (f:Fact {id: $id, subject: $subject, predicate: $predicate,
object: $object, value: $value, lon: $lon, lat: $lat,
valid_from: $valid_from, valid_to: $valid_to, tx_time: $tx_time,
source: $source, recorded_at: $recorded_at, parent_ids: $parent_ids})`

// AppendFact persists one immutable fact version.
func (c *Neo4jClient) AppendFact(ctx context.Context, f Fact) error {
	if f.ID == "" || f.Subject == "" || f.Predicate == "" {
		return fmt.Errorf("fact requires id, subject and predicate")
	}
	_, err := c.do(ctx, "append_fact", []txStatement{{
		Statement: appendFactCypher,
		Parameters: map[string]interface{}{
			"id":          f.ID,
			"subject":     f.Subject,
			"predicate":   f.Predicate,
			"object":      f.Object,
			"value":       f.Value,
			"lon":         f.Lon,
			"lat":         f.Lat,
			"valid_from":  f.ValidFrom,
			"valid_to":    f.ValidTo,
			"tx_time":     f.TxTime,
			"source":      f.Source,
			"recorded_at": f.RecordedAt,
			"parent_ids":  f.ParentIDs,
		},
	}})
	return err
}

const factColumns = `f.id, f.subject, f.predicate, f.object, f.value, f.lon, f.lat,
f.valid_from, f.valid_to, f.tx_time, f.source, f.recorded_at, f.parent_ids`

const factsInBoxCypher = `MATCH (f:Fact)
WHERE f.lon IS NOT NULL AND f.lat IS NOT NULL
  AND f.lon >= $min_lon AND f.lon <= $max_lon
  AND f.lat >= $min_lat AND f.lat <= $max_lat
  AND f.valid_from <= $valid_to
  AND (f.valid_to IS NULL OR f.valid_to >= $valid_from)
RETURN ` + factColumns

// FactsInBox returns located facts inside the closed box whose validity
// intersects [validFrom, validTo].
func (c *Neo4jClient) FactsInBox(ctx context.Context, box BoundingBox, validFrom, validTo float64) ([]Fact, error) {
	resp, err := c.do(ctx, "facts_in_box", []txStatement{{
		Statement: factsInBoxCypher,
		Parameters: map[string]interface{}{
			"min_lon":    box.MinLon,
			"min_lat":    box.MinLat,
			"max_lon":    box.MaxLon,
			"max_lat":    box.MaxLat,
			"valid_from": validFrom,
			"valid_to":   validTo,
		},
	}})
	if err != nil {
		return nil, err
	}
	return factsFromResponse(resp), nil
}

const factVersionsCypher = `MATCH (f:Fact)
WHERE any(p IN $pairs WHERE f.subject = p.subject AND f.predicate = p.predicate)
RETURN ` + factColumns + `
ORDER BY f.tx_time`

// FactVersions returns every version of the given pairs ordered by
// transaction time.
func (c *Neo4jClient) FactVersions(ctx context.Context, pairs []PairFilter) ([]Fact, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	wire := make([]map[string]interface{}, 0, len(pairs))
	for _, p := range pairs {
		wire = append(wire, map[string]interface{}{"subject": p.Subject, "predicate": p.Predicate})
	}
	resp, err := c.do(ctx, "fact_versions", []txStatement{{
		Statement:  factVersionsCypher,
		Parameters: map[string]interface{}{"pairs": wire},
	}})
	if err != nil {
		return nil, err
	}
	return factsFromResponse(resp), nil
}

// Ping commits a trivial statement to probe connectivity.
func (c *Neo4jClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", []txStatement{{Statement: "RETURN 1"}})
	return err
}

func factsFromResponse(resp *txResponse) []Fact {
	if len(resp.Results) == 0 {
		return nil
	}
	rows := resp.Results[0].Data
	out := make([]Fact, 0, len(rows))
	for _, d := range rows {
		if len(d.Row) < 13 {
			continue
		}
		out = append(out, Fact{
			ID:         rowString(d.Row[0]),
			Subject:    rowString(d.Row[1]),
			Predicate:  rowString(d.Row[2]),
			Object:     rowString(d.Row[3]),
			Value:      rowStringPtr(d.Row[4]),
			Lon:        rowFloatPtr(d.Row[5]),
			Lat:        rowFloatPtr(d.Row[6]),
			ValidFrom:  rowFloat(d.Row[7]),
			ValidTo:    rowFloatPtr(d.Row[8]),
			TxTime:     rowFloat(d.Row[9]),
			Source:     rowString(d.Row[10]),
			RecordedAt: rowFloat(d.Row[11]),
			ParentIDs:  rowStrings(d.Row[12]),
		})
	}
	return out
}

func rowString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func rowStringPtr(v interface{}) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func rowFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func rowFloatPtr(v interface{}) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func rowStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

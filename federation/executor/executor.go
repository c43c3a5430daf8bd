package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/n9te9/graphql-parser/ast"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/n9te9/federation-gateway/federation/cache"
	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/graph"
	"github.com/n9te9/federation-gateway/federation/planner"
)

// GraphQLError represents a GraphQL error with path information.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// DeferredPayload is one incremental chunk produced by a plan's Defer
// node, to be streamed by the pipeline layer as a follow-up multipart
// part after the primary response.
type DeferredPayload struct {
	Label  string
	Path   []string
	Data   map[string]interface{}
	Errors []GraphQLError
}

// Executor walks a planner.Plan tree, issuing subgraph requests and
// merging their results into a single response.
type Executor struct {
	httpClient   *http.Client
	queryBuilder *planner.QueryBuilder
	superGraph   *graph.SuperGraph
	entityCache  *cache.EntityCache // optional, nil disables entity caching
	logger       *slog.Logger
}

// NewExecutor creates an Executor. entityCache may be nil.
func NewExecutor(httpClient *http.Client, superGraph *graph.SuperGraph, entityCache *cache.EntityCache, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		httpClient:   httpClient,
		queryBuilder: planner.NewQueryBuilder(superGraph),
		superGraph:   superGraph,
		entityCache:  entityCache,
		logger:       logger,
	}
}

// executionContext holds per-Execute-call mutable state.
type executionContext struct {
	ctx      context.Context
	plan     *planner.Plan
	results  map[int]interface{} // step ID -> subgraph response envelope
	errors   []GraphQLError
	deferred []DeferredPayload
	mu       sync.RWMutex
	dedup    singleflight.Group // collapses identical concurrent subgraph requests
	parallel *ferrors.Aggregate // collects every Parallel child's failure, not just the first
}

// Result is a fully executed plan: the merged, pruned primary response,
// any partial-failure errors attributable to individual subgraph fetches,
// and any @defer payloads still to be streamed.
type Result struct {
	Data     map[string]interface{}
	Errors   []GraphQLError
	Deferred []DeferredPayload
}

// Execute runs plan and returns the merged primary response, accumulating
// subgraph-level failures as GraphQLErrors rather than failing the whole
// request — a single subgraph outage degrades its portion of the
// response to null instead of aborting the others.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, variables map[string]interface{}) (*Result, error) {
	if plan.Root == nil {
		return &Result{Data: map[string]interface{}{}}, nil
	}

	execCtx := &executionContext{
		ctx:      ctx,
		plan:     plan,
		results:  make(map[int]interface{}),
		parallel: ferrors.NewAggregate(),
	}

	if err := e.executeNode(ctx, execCtx, plan.Root, variables); err != nil {
		return nil, fmt.Errorf("federation executor: %w", err)
	}

	data := make(map[string]interface{})
	for _, s := range plan.Steps {
		if len(s.DependsOn) != 0 {
			continue // only root-level fetches contribute directly to the top-level data map
		}
		execCtx.mu.RLock()
		stepResult := execCtx.results[s.ID]
		execCtx.mu.RUnlock()

		if stepData, ok := stepResult.(map[string]interface{}); ok {
			if d, ok := stepData["data"].(map[string]interface{}); ok {
				for k, v := range d {
					data[k] = v
				}
			}
		}
	}

	pruned := e.pruneObjectForOperation(data, plan)

	execCtx.mu.RLock()
	errs := append([]GraphQLError(nil), execCtx.errors...)
	deferred := append([]DeferredPayload(nil), execCtx.deferred...)
	execCtx.mu.RUnlock()

	return &Result{Data: pruned, Errors: errs, Deferred: deferred}, nil
}

// executeNode dispatches on node.Kind, recursing into children as the
// node's concurrency semantics require.
func (e *Executor) executeNode(ctx context.Context, execCtx *executionContext, node *planner.Node, variables map[string]interface{}) error {
	switch node.Kind {
	case planner.NodeSequence:
		for _, child := range node.Children {
			if err := e.executeNode(ctx, execCtx, child, variables); err != nil {
				return err
			}
		}
		return nil

	case planner.NodeParallel:
		// errgroup drives the concurrency (shared cancellation on first
		// error); the Aggregate separately collects every child's
		// failure so none are silently dropped behind errgroup's
		// first-error-wins Wait().
		eg, gctx := errgroup.WithContext(ctx)
		for _, child := range node.Children {
			child := child
			eg.Go(func() error {
				if err := e.executeNode(gctx, execCtx, child, variables); err != nil {
					execCtx.parallel.Add(err)
					return err
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return execCtx.parallel.ErrOrNil()
		}
		return nil

	case planner.NodeCondition:
		if e.shouldSkip(node.Condition, variables) {
			return nil
		}
		for _, child := range node.Children {
			if err := e.executeNode(ctx, execCtx, child, variables); err != nil {
				return err
			}
		}
		return nil

	case planner.NodeDefer:
		for _, child := range node.Children {
			if err := e.executeNode(ctx, execCtx, child, variables); err != nil {
				return err
			}
		}
		e.extractDeferredPayload(execCtx, node)
		return nil

	case planner.NodeFetch, planner.NodeFlatten:
		return e.processStep(ctx, execCtx, node.Step, variables)
	}

	return fmt.Errorf("unknown plan node kind %v", node.Kind)
}

// shouldSkip evaluates a boundary-field @skip/@include condition against
// the operation's variables. A missing or non-boolean variable is
// treated as false, matching the GraphQL spec's default for @include.
func (e *Executor) shouldSkip(cond *planner.ConditionInfo, variables map[string]interface{}) bool {
	if cond == nil {
		return false
	}
	v, _ := variables[cond.Variable].(bool)
	if cond.SkipWhenTrue {
		return v // @skip(if: $v)
	}
	return !v // @include(if: $v)
}

// extractDeferredPayload pulls the data a Defer subtree contributed to
// the merged root result back out into its own DeferredPayload, so it
// ships as a follow-up multipart chunk instead of in the primary
// response. Path navigation mirrors buildErrorPath's root-type skipping.
func (e *Executor) extractDeferredPayload(execCtx *executionContext, node *planner.Node) {
	if node.Defer == nil {
		return
	}

	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()

	rootResult := e.rootStepResultLocked(execCtx)
	if rootResult == nil {
		return
	}
	rootData, _ := rootResult["data"].(map[string]interface{})
	if rootData == nil {
		return
	}

	path := trimRootTypeSegments(node.Defer.Path)
	var current interface{} = rootData
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return
		}
		next, ok := m[segment]
		if !ok {
			return
		}
		current = next
	}

	payload := DeferredPayload{Label: node.Defer.Label, Path: path}
	if m, ok := current.(map[string]interface{}); ok {
		payload.Data = m
	}
	execCtx.deferred = append(execCtx.deferred, payload)
}

func trimRootTypeSegments(path []string) []string {
	out := make([]string, 0, len(path))
	for i, s := range path {
		if i == 0 && isRootOperationTypeName(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func isRootOperationTypeName(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

// rootStepResultLocked returns the stored result for the step with no
// dependencies (the entry point every entity step ultimately merges
// into). Caller must hold execCtx.mu.
func (e *Executor) rootStepResultLocked(execCtx *executionContext) map[string]interface{} {
	for _, s := range execCtx.plan.Steps {
		if len(s.DependsOn) == 0 {
			if r, ok := execCtx.results[s.ID].(map[string]interface{}); ok {
				return r
			}
		}
	}
	return nil
}

// processStep builds and sends the request for a single Fetch/Flatten
// leaf, then stores or merges its result.
func (e *Executor) processStep(ctx context.Context, execCtx *executionContext, step *planner.Step, variables map[string]interface{}) error {
	if step.SubGraph == nil {
		err := fmt.Errorf("step %d has nil subgraph", step.ID)
		e.recordError(execCtx, step, err)
		return nil
	}

	var query string
	var queryVars map[string]interface{}
	var err error

	if step.StepType == planner.StepTypeQuery {
		query, queryVars, err = e.queryBuilder.Build(step, nil, variables, execCtx.plan.OperationType)
		if err != nil {
			e.recordError(execCtx, step, fmt.Errorf("failed to build root query: %w", err))
			return nil
		}
		result, err := e.sendRequestDeduped(ctx, execCtx, step.SubGraph.Host, query, queryVars)
		if err != nil {
			e.recordError(execCtx, step, err)
			e.setNullForFailedStep(execCtx, step)
			return nil
		}
		if errs, hasErrors := result["errors"]; hasErrors && errs != nil {
			e.recordSubgraphErrors(execCtx, step, errs)
		}

		execCtx.mu.Lock()
		execCtx.results[step.ID] = result
		execCtx.mu.Unlock()
		return nil
	}

	representations := e.extractRepresentations(execCtx, step)
	if len(representations) == 0 {
		execCtx.mu.Lock()
		execCtx.results[step.ID] = map[string]interface{}{"data": map[string]interface{}{}}
		execCtx.mu.Unlock()
		return nil
	}

	typeKey := e.entityCacheTypeKey(step)
	missing, cachedEntities := e.splitCachedRepresentations(ctx, typeKey, representations)

	var fetched []interface{}
	if len(missing) > 0 {
		query, queryVars, err = e.queryBuilder.Build(step, missing, variables, execCtx.plan.OperationType)
		if err != nil {
			e.recordError(execCtx, step, fmt.Errorf("failed to build entity query: %w", err))
			return nil
		}

		result, err := e.sendRequestDeduped(ctx, execCtx, step.SubGraph.Host, query, queryVars)
		if err != nil {
			e.recordError(execCtx, step, err)
			e.setNullForFailedStep(execCtx, step)
			return nil
		}
		if errs, hasErrors := result["errors"]; hasErrors && errs != nil {
			e.recordSubgraphErrors(execCtx, step, errs)
		}
		if resultData, ok := result["data"].(map[string]interface{}); ok {
			if ents, ok := resultData["_entities"].([]interface{}); ok {
				fetched = ents
				e.populateEntityCache(ctx, typeKey, missing, ents)
			}
		}
	}

	merged := mergeFetchedAndCached(typeKey, representations, missing, fetched, cachedEntities)
	result := map[string]interface{}{"data": map[string]interface{}{"_entities": merged}}

	if err := e.mergeEntityResults(execCtx, step, result); err != nil {
		e.recordError(execCtx, step, fmt.Errorf("failed to merge entity results: %w", err))
		e.setNullForFailedStep(execCtx, step)
		return nil
	}

	execCtx.mu.Lock()
	execCtx.results[step.ID] = result
	execCtx.mu.Unlock()
	return nil
}

// sendRequestDeduped collapses identical concurrent requests (same host,
// query, and variables) into a single subgraph call — two entity steps
// in the same plan occasionally resolve to the same representations.
func (e *Executor) sendRequestDeduped(ctx context.Context, execCtx *executionContext, host, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	varsJSON, _ := json.Marshal(variables)
	key := host + "|" + query + "|" + string(varsJSON)

	v, err, _ := execCtx.dedup.Do(key, func() (interface{}, error) {
		return e.sendRequest(ctx, host, query, variables)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

func (e *Executor) sendRequest(ctx context.Context, host string, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	reqBody := map[string]interface{}{"query": query}
	if len(variables) > 0 {
		reqBody["variables"] = variables
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		code := ferrors.CodeSubrequestHTTPError
		if ctx.Err() != nil {
			code = ferrors.CodeSubrequestTimeout
		}
		return nil, ferrors.Wrap(code, "failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestHTTPError,
			fmt.Sprintf("subgraph returned HTTP %d", resp.StatusCode), nil)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestHTTPError, "failed to read response", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestMalformedResponse, "failed to unmarshal response", err)
	}
	return result, nil
}

// recordError records a GraphQLError for a failed step, one entry per
// requested field for entity steps (matching the teacher's per-field
// error attribution), a single entry for root steps. When err carries a
// federation/errors.Error (via wrapping), its Code is surfaced as
// extensions.code.
func (e *Executor) recordError(execCtx *executionContext, step *planner.Step, err error) {
	extensions := map[string]interface{}{}
	if step.SubGraph != nil {
		extensions["serviceName"] = step.SubGraph.Name
	}
	if code, ok := ferrors.CodeOf(err); ok {
		extensions["code"] = string(code)
	}

	if step.StepType == planner.StepTypeEntity && len(step.SelectionSet) > 0 {
		basePath := e.buildErrorPath(step)
		for _, sel := range step.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldName := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				fieldName = field.Alias.String()
			}
			if fieldName == "__typename" || fieldName == "id" || fieldName == "_id" {
				continue
			}
			fieldPath := append(append([]interface{}{}, basePath...), fieldName)

			execCtx.mu.Lock()
			execCtx.errors = append(execCtx.errors, GraphQLError{
				Message:    err.Error(),
				Path:       fieldPath,
				Extensions: extensions,
			})
			execCtx.mu.Unlock()
		}
		return
	}

	execCtx.mu.Lock()
	execCtx.errors = append(execCtx.errors, GraphQLError{
		Message:    err.Error(),
		Path:       e.buildErrorPath(step),
		Extensions: extensions,
	})
	execCtx.mu.Unlock()
}

func (e *Executor) recordSubgraphErrors(execCtx *executionContext, step *planner.Step, errs interface{}) {
	errorList, ok := errs.([]interface{})
	if !ok {
		return
	}

	for _, errItem := range errorList {
		errMap, ok := errItem.(map[string]interface{})
		if !ok {
			continue
		}

		message, _ := errMap["message"].(string)
		if message == "" {
			message = "unknown error from subgraph"
		}

		path := e.buildErrorPath(step)
		if errPath, hasPath := errMap["path"].([]interface{}); hasPath {
			path = append(path, errPath...)
		}

		gqlErr := GraphQLError{
			Message: message,
			Path:    path,
			Extensions: map[string]interface{}{
				"serviceName": step.SubGraph.Name,
				"code":        string(ferrors.CodeFetchError),
			},
		}
		if extensions, hasExt := errMap["extensions"].(map[string]interface{}); hasExt {
			for k, v := range extensions {
				gqlErr.Extensions[k] = v
			}
		}

		execCtx.mu.Lock()
		execCtx.errors = append(execCtx.errors, gqlErr)
		execCtx.mu.Unlock()
	}
}

func (e *Executor) buildErrorPath(step *planner.Step) []interface{} {
	path := make([]interface{}, 0)

	var segments []string
	if step.StepType == planner.StepTypeEntity && len(step.InsertionPath) > 0 {
		segments = step.InsertionPath
	} else if len(step.Path) > 0 {
		segments = step.Path
	}

	for _, segment := range segments {
		if isRootOperationTypeName(segment) {
			continue
		}
		path = append(path, segment)
	}
	return path
}

func (e *Executor) setNullForFailedStep(execCtx *executionContext, step *planner.Step) {
	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()

	if step.StepType == planner.StepTypeQuery {
		nullData := make(map[string]interface{})
		for _, sel := range step.SelectionSet {
			if field, ok := sel.(*ast.Field); ok {
				fieldName := field.Name.String()
				if field.Alias != nil && field.Alias.String() != "" {
					fieldName = field.Alias.String()
				}
				nullData[fieldName] = nil
			}
		}
		execCtx.results[step.ID] = map[string]interface{}{"data": nullData}
		return
	}

	execCtx.results[step.ID] = map[string]interface{}{"data": map[string]interface{}{}}
}

// extractRepresentations walks the root result along step.InsertionPath
// to gather the @key field values of each entity this step must resolve.
func (e *Executor) extractRepresentations(execCtx *executionContext, step *planner.Step) []map[string]interface{} {
	representations := make([]map[string]interface{}, 0)

	execCtx.mu.RLock()
	defer execCtx.mu.RUnlock()

	if len(step.DependsOn) == 0 {
		return representations
	}

	rootResult := e.rootStepResultLocked(execCtx)
	if rootResult == nil {
		return representations
	}
	rootData, ok := rootResult["data"].(map[string]interface{})
	if !ok {
		return representations
	}

	var current interface{} = rootData
	for i, pathSegment := range step.InsertionPath {
		if i == 0 && isRootOperationTypeName(pathSegment) {
			continue
		}

		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return representations
		}

		next, exists := currentMap[pathSegment]
		if !exists {
			return representations
		}

		if arr, isArray := next.([]interface{}); isArray {
			remainingPath := step.InsertionPath[i+1:]
			for _, elem := range arr {
				if elemMap, ok := elem.(map[string]interface{}); ok {
					representations = append(representations, e.navigatePathWithArrays(elemMap, remainingPath, step)...)
				}
			}
			return representations
		}

		current = next
	}

	ownerSubGraph := e.superGraph.GetEntityOwnerSubGraph(step.ParentType)
	if ownerSubGraph == nil {
		return representations
	}
	entity, exists := ownerSubGraph.GetEntity(step.ParentType)
	if !exists || len(entity.Keys) == 0 {
		return representations
	}
	keyField := entity.Keys[0].FieldSet

	switch v := current.(type) {
	case map[string]interface{}:
		if rep := e.buildRepresentation(v, step.ParentType, keyField); rep != nil {
			representations = append(representations, rep)
		}
	case []interface{}:
		for _, item := range v {
			if itemMap, ok := item.(map[string]interface{}); ok {
				if rep := e.buildRepresentation(itemMap, step.ParentType, keyField); rep != nil {
					representations = append(representations, rep)
				}
			}
		}
	}

	return representations
}

func (e *Executor) navigatePathWithArrays(current map[string]interface{}, path []string, step *planner.Step) []map[string]interface{} {
	representations := make([]map[string]interface{}, 0)

	if len(path) == 0 {
		if ownerSubGraph := e.superGraph.GetEntityOwnerSubGraph(step.ParentType); ownerSubGraph != nil {
			if entity, exists := ownerSubGraph.GetEntity(step.ParentType); exists && len(entity.Keys) > 0 {
				keyField := entity.Keys[0].FieldSet
				if rep := e.buildRepresentation(current, step.ParentType, keyField); rep != nil {
					representations = append(representations, rep)
				}
			}
		}
		return representations
	}

	segment := path[0]
	remainingPath := path[1:]

	next, exists := current[segment]
	if !exists {
		return representations
	}

	if arr, isArray := next.([]interface{}); isArray {
		for _, elem := range arr {
			if elemMap, ok := elem.(map[string]interface{}); ok {
				representations = append(representations, e.navigatePathWithArrays(elemMap, remainingPath, step)...)
			}
		}
	} else if nextMap, ok := next.(map[string]interface{}); ok {
		representations = e.navigatePathWithArrays(nextMap, remainingPath, step)
	}

	return representations
}

// buildRepresentation extracts an entity's @key field values; keyField
// may name several space-separated fields for composite keys.
func (e *Executor) buildRepresentation(entity map[string]interface{}, typeName string, keyField string) map[string]interface{} {
	representation := map[string]interface{}{"__typename": typeName}

	for _, fieldName := range strings.Fields(keyField) {
		keyValue, exists := entity[fieldName]
		if !exists {
			return nil
		}
		representation[fieldName] = keyValue
	}
	return representation
}

// mergeEntityResults merges an _entities query's result back into the
// root step's result at step.InsertionPath.
func (e *Executor) mergeEntityResults(execCtx *executionContext, step *planner.Step, result map[string]interface{}) error {
	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()

	if len(step.DependsOn) == 0 {
		return nil
	}

	rootResult := e.rootStepResultLocked(execCtx)
	if rootResult == nil {
		return fmt.Errorf("root step result not found")
	}
	rootData, ok := rootResult["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("root result does not have data field")
	}

	resultData, ok := result["data"].(map[string]interface{})
	if !ok {
		return nil
	}
	entitiesData, ok := resultData["_entities"]
	if !ok {
		return nil
	}

	mergePath := trimRootTypeSegments(step.InsertionPath)

	var current interface{} = rootData
	firstArrayIndex := -1
	for i, segment := range mergePath {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			current = nil
			break
		}
		next, exists := currentMap[segment]
		if !exists {
			current = nil
			break
		}
		current = next
		if _, isArray := current.([]interface{}); isArray {
			firstArrayIndex = i
			break
		}
	}

	switch {
	case firstArrayIndex >= 0:
		entities, ok := entitiesData.([]interface{})
		if !ok {
			return fmt.Errorf("entities data is not an array")
		}

		var arrayContainer interface{} = rootData
		arrayPath := mergePath[:firstArrayIndex+1]
		for _, segment := range arrayPath {
			if containerMap, ok := arrayContainer.(map[string]interface{}); ok {
				arrayContainer = containerMap[segment]
			}
		}
		arrayData, ok := arrayContainer.([]interface{})
		if !ok {
			return fmt.Errorf("expected array at merge path %v", arrayPath)
		}

		remainingPath := mergePath[firstArrayIndex+1:]
		entityIndex := 0
		for _, elem := range arrayData {
			if elemMap, ok := elem.(map[string]interface{}); ok {
				entityIndex = e.mergeIntoNestedArrays(elemMap, entities, remainingPath, entityIndex)
			}
		}

	case current == nil:
		entities, ok := entitiesData.([]interface{})
		if !ok || len(entities) == 0 {
			return nil
		}
		firstEntity, ok := entities[0].(map[string]interface{})
		if !ok {
			return fmt.Errorf("first entity is not a map")
		}
		if err := Merge(rootData, firstEntity, mergePath); err != nil {
			return fmt.Errorf("failed to merge entity object: %w", err)
		}

	default:
		if _, isArray := current.([]interface{}); isArray {
			if err := Merge(rootData, entitiesData, mergePath); err != nil {
				return fmt.Errorf("failed to merge entities array: %w", err)
			}
			break
		}

		entities, ok := entitiesData.([]interface{})
		if !ok || len(entities) == 0 {
			return nil
		}
		firstEntity, ok := entities[0].(map[string]interface{})
		if !ok {
			return fmt.Errorf("first entity is not a map")
		}
		if err := Merge(rootData, firstEntity, mergePath); err != nil {
			return fmt.Errorf("failed to merge entity object: %w", err)
		}
	}

	return nil
}

func (e *Executor) mergeIntoNestedArrays(current map[string]interface{}, entities []interface{}, path []string, entityIndex int) int {
	if len(path) == 0 {
		if entityIndex < len(entities) {
			if entityMap, ok := entities[entityIndex].(map[string]interface{}); ok {
				Merge(current, entityMap, []string{})
			}
			return entityIndex + 1
		}
		return entityIndex
	}

	segment := path[0]
	remainingPath := path[1:]

	next, exists := current[segment]
	if !exists {
		return entityIndex
	}

	if arr, isArray := next.([]interface{}); isArray {
		for _, elem := range arr {
			if elemMap, ok := elem.(map[string]interface{}); ok {
				entityIndex = e.mergeIntoNestedArrays(elemMap, entities, remainingPath, entityIndex)
			}
		}
	} else if nextMap, ok := next.(map[string]interface{}); ok {
		entityIndex = e.mergeIntoNestedArrays(nextMap, entities, remainingPath, entityIndex)
	}

	return entityIndex
}

// pruneObjectForOperation removes fields injected by the planner
// (__typename, key fields) that weren't in the client's original
// selection set.
func (e *Executor) pruneObjectForOperation(data map[string]interface{}, plan *planner.Plan) map[string]interface{} {
	if plan.OriginalDocument == nil {
		return data
	}
	op := operationFromDocument(plan.OriginalDocument)
	if op == nil || len(op.SelectionSet) == 0 {
		return data
	}
	pruned, ok := e.pruneValue(data, op.SelectionSet).(map[string]interface{})
	if !ok {
		return data
	}
	return pruned
}

func (e *Executor) pruneValue(obj interface{}, selections []ast.Selection) interface{} {
	if obj == nil {
		return nil
	}

	switch v := obj.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{})
		for _, sel := range selections {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldName := field.Name.String()
			lookupKey := fieldName
			if field.Alias != nil && field.Alias.String() != "" {
				lookupKey = field.Alias.String()
			}

			value, exists := v[fieldName]
			if !exists && lookupKey != fieldName {
				value, exists = v[lookupKey]
			}
			if !exists {
				continue
			}

			if len(field.SelectionSet) > 0 {
				result[lookupKey] = e.pruneValue(value, field.SelectionSet)
			} else {
				result[lookupKey] = value
			}
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = e.pruneValue(item, selections)
		}
		return result

	default:
		return v
	}
}

func operationFromDocument(doc *ast.Document) *ast.OperationDefinition {
	if doc == nil {
		return nil
	}
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

// --- entity cache integration ---
//
// Caching is keyed by (parent type, owning subgraph, selected field
// names) rather than just the entity's own key, because the same entity
// resolved for two different operations that select different field
// subsets from the same subgraph must not collide in the cache.

func (e *Executor) entityCacheTypeKey(step *planner.Step) string {
	names := make([]string, 0, len(step.SelectionSet))
	for _, sel := range step.SelectionSet {
		if field, ok := sel.(*ast.Field); ok {
			names = append(names, field.Name.String())
		}
	}
	sort.Strings(names)
	return step.ParentType + "@" + step.SubGraph.Name + "#" + strings.Join(names, ",")
}

func representationKeyFields(rep map[string]interface{}) map[string]interface{} {
	keyFields := make(map[string]interface{}, len(rep))
	for k, v := range rep {
		if k == "__typename" {
			continue
		}
		keyFields[k] = v
	}
	return keyFields
}

// splitCachedRepresentations partitions representations into those that
// must still be fetched from the subgraph (missing) and the cached
// entity data already available for the rest, keyed by
// cache.EntityKey(typeKey, representationKeyFields(rep)).
func (e *Executor) splitCachedRepresentations(ctx context.Context, typeKey string, representations []map[string]interface{}) (missing []map[string]interface{}, cached map[string]map[string]interface{}) {
	cached = make(map[string]map[string]interface{})
	if e.entityCache == nil {
		return representations, cached
	}

	for _, rep := range representations {
		keyFields := representationKeyFields(rep)
		var out map[string]interface{}
		ok, err := e.entityCache.Get(ctx, typeKey, keyFields, &out)
		if err != nil || !ok {
			missing = append(missing, rep)
			continue
		}
		cached[cache.EntityKey(typeKey, keyFields)] = out
	}
	return missing, cached
}

func (e *Executor) populateEntityCache(ctx context.Context, typeKey string, representations []map[string]interface{}, entities []interface{}) {
	if e.entityCache == nil {
		return
	}
	for i, ent := range entities {
		if i >= len(representations) {
			break
		}
		entMap, ok := ent.(map[string]interface{})
		if !ok {
			continue
		}
		keyFields := representationKeyFields(representations[i])
		_ = e.entityCache.Set(ctx, typeKey, keyFields, entMap)
	}
}

// mergeFetchedAndCached reassembles the _entities array in the same
// order as the original representations, pulling each entry from the
// freshly fetched results or the entity cache as appropriate.
func mergeFetchedAndCached(typeKey string, representations, missing []map[string]interface{}, fetched []interface{}, cached map[string]map[string]interface{}) []interface{} {
	merged := make([]interface{}, 0, len(representations))
	fetchedByRep := make(map[int]interface{}, len(fetched))
	for i := range missing {
		if i < len(fetched) {
			fetchedByRep[i] = fetched[i]
		}
	}

	missingIdx := 0
	for _, rep := range representations {
		key := cache.EntityKey(typeKey, representationKeyFields(rep))
		if entity, ok := cached[key]; ok {
			merged = append(merged, entity)
			continue
		}
		if v, ok := fetchedByRep[missingIdx]; ok {
			merged = append(merged, v)
		} else {
			merged = append(merged, nil)
		}
		missingIdx++
	}
	return merged
}

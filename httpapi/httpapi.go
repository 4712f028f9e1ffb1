// Package httpapi exposes the redistribution and routing-control APIs as
// thin echo handlers translating JSON requests into node.Node calls.
// Business logic stays in the core packages; this layer only marshals and
// dispatches.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/merger"
	"accessgraph.dev/node"
	"accessgraph.dev/shardconfig"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware bounds requests per second to this node's HTTP
// surface. A no-op if limit <= 0.
func RateLimitMiddleware(limit float64) echo.MiddlewareFunc {
	if limit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(limit)))
}

// RegisterRoutes wires the Redistribution and Router control APIs onto g.
func RegisterRoutes(g *echo.Group, n *node.Node) {
	g.POST("/distributedAccessManagerInstance", createInstanceHandler(n))
	g.DELETE("/distributedAccessManagerInstance", deleteInstanceHandler(n))
	g.POST("/shardGroups/split", splitHandler(n))
	g.POST("/shardGroups/merge", mergeHandler(n))

	g.PUT("/routing/pause", pauseHandler(n))
	g.PUT("/routing/resume", resumeHandler(n))
	g.GET("/routing/activeOperations", activeOperationsHandler(n))

	g.GET("/migrations/stream", migrationStreamHandler(n))
}

// migrationStreamHandler upgrades to a WebSocket streaming every
// migration's phase-changed events to an operator console (see
// migration.Hub).
func migrationStreamHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		n.Hub().ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// shardGroupConfiguration is the wire shape of one shard group entry in the
// instance-constructor body.
type shardGroupConfiguration struct {
	HashRangeStart    int32  `json:"hash_range_start"`
	ReaderURL         string `json:"reader_url"`
	WriterURL         string `json:"writer_url"`
	StorageConnection string `json:"storage_connection"`
}

type createInstanceRequest struct {
	User                []shardGroupConfiguration `json:"user"`
	GroupToGroupMapping []shardGroupConfiguration `json:"group_to_group_mapping"`
	Group               []shardGroupConfiguration `json:"group"`
}

func createInstanceHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createInstanceRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}

		groups := map[shardconfig.DataElement][]shardGroupConfiguration{
			shardconfig.DataElementUser:                req.User,
			shardconfig.DataElementGroupToGroupMapping: req.GroupToGroupMapping,
			shardconfig.DataElementGroup:               req.Group,
		}

		ctx := c.Request().Context()
		for element, configs := range groups {
			for _, sg := range configs {
				entries := []shardconfig.Configuration{
					{DataElement: element, Operation: shardconfig.OperationQuery, HashRangeStart: sg.HashRangeStart, ClientEndpoint: sg.ReaderURL, StorageConnection: sg.StorageConnection},
					{DataElement: element, Operation: shardconfig.OperationEvent, HashRangeStart: sg.HashRangeStart, ClientEndpoint: sg.WriterURL, StorageConnection: sg.StorageConnection},
				}
				for _, cfg := range entries {
					if cfg.ClientEndpoint == "" {
						continue
					}
					if err := n.CreateShardGroup(ctx, cfg); err != nil {
						return c.JSON(http.StatusInternalServerError, errorBody(err))
					}
				}
			}
		}
		return c.NoContent(http.StatusCreated)
	}
}

func deleteInstanceHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		deleteStorage, _ := strconv.ParseBool(c.QueryParam("deleteStorage"))
		if err := n.DeleteInstance(c.Request().Context(), deleteStorage); err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.NoContent(http.StatusOK)
	}
}

type splitRequest struct {
	MigrationID                       string `json:"migration_id"`
	DataElement                       string `json:"data_element"`
	HashRangeStart                    int32  `json:"hash_range_start"`
	SplitHashRangeStart               int32  `json:"split_hash_range_start"`
	SplitHashRangeEnd                 int32  `json:"split_hash_range_end"`
	TargetEndpoint                    string `json:"target_endpoint"`
	TargetStorageConnection           string `json:"target_storage_connection"`
	EventBatchSize                    int    `json:"event_batch_size"`
	OperationsCompleteRetryAttempts   int    `json:"operations_complete_retry_attempts"`
	OperationsCompleteRetryIntervalMS int64  `json:"operations_complete_retry_interval"`
}

func splitHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req splitRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}

		cfg := node.SplitConfig{
			MigrationID:                     req.MigrationID,
			DataElement:                     shardconfig.DataElement(req.DataElement),
			HashRangeStart:                  req.HashRangeStart,
			SplitHashRangeStart:             req.SplitHashRangeStart,
			SplitHashRangeEnd:               req.SplitHashRangeEnd,
			TargetEndpoint:                  req.TargetEndpoint,
			TargetStorageConnection:         req.TargetStorageConnection,
			EventBatchSize:                  req.EventBatchSize,
			OperationsCompleteRetryAttempts: req.OperationsCompleteRetryAttempts,
			OperationsCompleteRetryInterval: time.Duration(req.OperationsCompleteRetryIntervalMS) * time.Millisecond,
		}

		if err := n.Split(c.Request().Context(), cfg); err != nil {
			return c.JSON(migrationStatus(err), errorBody(err))
		}
		return c.NoContent(http.StatusOK)
	}
}

type mergeRequest struct {
	MigrationID                       string `json:"migration_id"`
	DataElement                       string `json:"data_element"`
	Source1HashRangeStart             int32  `json:"source1_hash_range_start"`
	Source1HashRangeEnd               int32  `json:"source1_hash_range_end"`
	Source2HashRangeStart             int32  `json:"source2_hash_range_start"`
	Source2HashRangeEnd               int32  `json:"source2_hash_range_end"`
	TargetEndpoint                    string `json:"target_endpoint"`
	TargetStorageConnection           string `json:"target_storage_connection"`
	EventBatchSize                    int    `json:"event_batch_size"`
	NoEventsReadAction                string `json:"no_events_read_during_merge_action"`
	IgnoreInvalidEvents               bool   `json:"ignore_invalid_events"`
	OperationsCompleteRetryAttempts   int    `json:"operations_complete_retry_attempts"`
	OperationsCompleteRetryIntervalMS int64  `json:"operations_complete_retry_interval"`
}

func mergeHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req mergeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}

		action := merger.NoEventsReadAction(req.NoEventsReadAction)
		if action == "" {
			action = merger.PersistAllEventsFromOtherSource
		}

		cfg := node.MergeConfig{
			MigrationID:                     req.MigrationID,
			DataElement:                     shardconfig.DataElement(req.DataElement),
			Source1HashRangeStart:           req.Source1HashRangeStart,
			Source1HashRangeEnd:             req.Source1HashRangeEnd,
			Source2HashRangeStart:           req.Source2HashRangeStart,
			Source2HashRangeEnd:             req.Source2HashRangeEnd,
			TargetEndpoint:                  req.TargetEndpoint,
			TargetStorageConnection:         req.TargetStorageConnection,
			EventBatchSize:                  req.EventBatchSize,
			NoEventsReadAction:              action,
			IgnoreInvalidEvents:             req.IgnoreInvalidEvents,
			OperationsCompleteRetryAttempts: req.OperationsCompleteRetryAttempts,
			OperationsCompleteRetryInterval: time.Duration(req.OperationsCompleteRetryIntervalMS) * time.Millisecond,
		}

		if err := n.Merge(c.Request().Context(), cfg); err != nil {
			return c.JSON(migrationStatus(err), errorBody(err))
		}
		return c.NoContent(http.StatusOK)
	}
}

// migrationStatus maps a Split/Merge error onto this endpoint family's
// status codes: 409 while another migration holds the lock, 504 when the
// paused range never quiesced.
func migrationStatus(err error) int {
	switch {
	case errors.Is(err, node.ErrMigrationActive):
		return http.StatusConflict
	case acherrors.Is(err, acherrors.KindQuiescenceTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pauseHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		hr, err := parseHashRange(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		n.Router().PauseIncomingEvents(hr)
		return c.NoContent(http.StatusOK)
	}
}

func resumeHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		hr, err := parseHashRange(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		n.Router().ResumeIncomingEvents(hr)
		return c.NoContent(http.StatusOK)
	}
}

func activeOperationsHandler(n *node.Node) echo.HandlerFunc {
	return func(c echo.Context) error {
		hr, err := parseHashRange(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		return c.JSON(http.StatusOK, n.Router().GetActiveOperationsCount(hr))
	}
}

func parseHashRange(c echo.Context) (event.HashRange, error) {
	start, err := strconv.ParseInt(c.QueryParam("hashStart"), 10, 32)
	if err != nil {
		return event.HashRange{}, errors.New("invalid or missing hashStart")
	}
	end, err := strconv.ParseInt(c.QueryParam("hashEnd"), 10, 32)
	if err != nil {
		return event.HashRange{}, errors.New("invalid or missing hashEnd")
	}
	return event.HashRange{Start: int32(start), End: int32(end)}, nil
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

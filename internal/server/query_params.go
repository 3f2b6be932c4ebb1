package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_snowflake_id")
	}
	return parsed, nil
}

// parsePage reads limit and offset. Missing values are left to the service
// defaults.
func parsePage(c *gin.Context) (int, int, error) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || (limit != nil && *limit < 0) {
		return 0, 0, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer")
	}
	offset, err := parseOptionalInt(c.Query("offset"))
	if err != nil || (offset != nil && *offset < 0) {
		return 0, 0, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer")
	}
	var l, o int
	if limit != nil {
		l = *limit
	}
	if offset != nil {
		o = *offset
	}
	return l, o, nil
}

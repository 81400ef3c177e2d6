// Package mcp 通过 MCP（stdio）提供只读查询工具：list_tables、describe_table、query。
package mcp

import (
	"context"
	"errors"
	"fmt"

	"TandemSync/internal/apperr"
	"TandemSync/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version 构建时通过 ldflags 注入
var Version = "dev"

// Tools 工具处理函数
type Tools struct {
	query *service.QueryService
}

func NewTools(query *service.QueryService) *Tools {
	return &Tools{query: query}
}

// NewServer 创建并注册全部工具
func NewServer(query *service.QueryService) *server.MCPServer {
	s := server.NewMCPServer(
		"tandemsync",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	t := NewTools(query)
	s.AddTool(mcp.NewTool("list_tables",
		mcp.WithDescription("List all available tables in the tandem-fetch database with descriptions."),
	), t.ListTables)

	s.AddTool(mcp.NewTool("describe_table",
		mcp.WithDescription("Get column names and types for a specific table."),
		mcp.WithString("table_name", mcp.Required(),
			mcp.Description("One of: cgm_readings, basal_deliveries, events, raw_events")),
	), t.DescribeTable)

	s.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Execute a read-only SQL query against the pump database. Only SELECT and WITH statements are allowed."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("A single SELECT or WITH statement")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 1000, max 10000)")),
	), t.Query)
	return s
}

// ServeStdio 阻塞直到 stdin 关闭
func ServeStdio(query *service.QueryService) error {
	return server.ServeStdio(NewServer(query))
}

func (t *Tools) ListTables(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(service.FormatTables(t.query.ListTables())), nil
}

func (t *Tools) DescribeTable(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("table_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cols, err := t.query.DescribeTable(name)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(service.FormatColumns(name, cols)), nil
}

func (t *Tools) Query(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sql, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.query.Query(ctx, sql, req.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(res.Format()), nil
}

// toolError 工具层错误以文本返回给调用方，而非协议错误
func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrDatabaseNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Database not available: %v", err))
	}
	return mcp.NewToolResultError(err.Error())
}

const instructions = `Read-only access to a Tandem insulin pump database.
Call list_tables first, then describe_table to learn the columns, then query with a single SELECT.
Glucose values are mg/dL; basal rates are units/hour multiplied by 1000.`

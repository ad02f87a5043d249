// Package sqlsource serves pagination fetch and count requests from a SQL
// table through database/sql. Statements can be routed through a
// query.Optimizer and cached in a query.QueryCache.
package sqlsource

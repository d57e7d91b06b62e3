// Package tgui holds small Telegram UI helpers: inline keyboards, compact
// callback data, pagination, an HTML-safe message builder and a TTL store
// for multi-step conversations.
package tgui

package tgui

import (
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// Page describes one page of a list. Index is 0-based.
type Page struct {
	Index int
	Size  int
	Total int
}

// Pages returns how many pages Total items need, at least 1.
func (p Page) Pages() int {
	size := p.Size
	if size <= 0 {
		size = 10
	}
	n := (p.Total + size - 1) / size
	return max(n, 1)
}

func (p Page) HasPrev() bool { return p.Index > 0 }

func (p Page) HasNext() bool { return p.Index+1 < p.Pages() }

// Label renders "Page 2/5 • 11–20 of 43".
func (p Page) Label() string {
	return PageLabel(p.Index, p.Size, p.Total)
}

// PageLabel returns a compact pagination label. page is 0-based.
func PageLabel(page, size, total int) string {
	if size <= 0 {
		size = 10
	}
	if total <= 0 {
		return "Page 1/1"
	}
	pages := (total + size - 1) / size
	page = min(max(page, 0), pages-1)
	from := page*size + 1
	to := min((page+1)*size, total)
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", page+1, pages, from, to, total)
}

// NavRow adds ‹ Prev / Next › buttons to kb. data maps a target page
// index to its callback data.
func NavRow(kb *Inline, p Page, data func(page int) string) *Inline {
	var row []tele.Btn
	if p.HasPrev() {
		row = append(row, Btn("‹ Prev", data(p.Index-1)))
	}
	if p.HasNext() {
		row = append(row, Btn("Next ›", data(p.Index+1)))
	}
	return kb.Row(row...)
}

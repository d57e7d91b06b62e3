package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "uploadbot/internal/transport"
)

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{"hello"}, chunkText("hello", 10, false))
	assert.Equal(t, []string{""}, chunkText("", 10, false))

	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, chunkText(s, 10, false))
}

func TestChunkTextRuneSafe(t *testing.T) {
	s := strings.Repeat("é", 25)
	got := chunkText(s, 10, false)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.True(t, utf8.ValidString(c), c)
	}
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestChunkTextKeepsTagsWhole(t *testing.T) {
	got := chunkText("abcdefg<b>bold</b>", 9, true)
	assert.Equal(t, "abcdefg", got[0])
	assert.Equal(t, "abcdefg<b>bold</b>", strings.Join(got, ""))

	// Plain mode may cut anywhere.
	assert.Equal(t, "abcdefg<b", chunkText("abcdefg<b>bold</b>", 9, false)[0])
}

func TestConvertMessage(t *testing.T) {
	m := &tele.Message{
		ID:      4,
		Chat:    &tele.Chat{ID: 9, Type: tele.ChatSuperGroup},
		Sender:  &tele.User{ID: 7, Username: "ops"},
		Caption: "funny cats",
		Video:   &tele.Video{File: tele.File{FileID: "f1", FileSize: 12}, MIME: "video/mp4", Duration: 3},
	}
	got := convertMessage(m)
	assert.Equal(t, "funny cats", got.Text)
	assert.True(t, got.IsGroup)
	assert.Equal(t, int64(7), got.FromID)
	require.NotNil(t, got.Media)
	assert.Equal(t, kit.Media{FileID: "f1", MimeType: "video/mp4", Size: 12, Duration: 3, IsVideo: true}, *got.Media)

	plain := convertMessage(&tele.Message{Text: "/status", Chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}})
	assert.Nil(t, plain.Media)
	assert.False(t, plain.IsGroup)
	assert.Equal(t, "/status", plain.Text)
}

func TestMenuCommands(t *testing.T) {
	got := menuCommands([]kit.BotCommand{
		{Command: "/upload", Description: "Queue a video"},
		{Command: "", Description: "skipped"},
		{Command: "status"},
		{Command: "long", Description: strings.Repeat("x", 300)},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "upload", got[0].Text)
	assert.Equal(t, "status", got[1].Description)
	assert.Len(t, got[2].Description, maxMenuDesc)
	assert.NotEqual(t, menuHash(got), menuHash(got[:2]))
}

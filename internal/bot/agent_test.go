package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatline/internal/llm"
)

func testAgent(t *testing.T, gen llm.Generator, cooldown time.Duration) *Agent {
	t.Helper()
	dir := t.TempDir()
	return NewAgent(Options{
		Secret:   "bot_password",
		LogPath:  func(room string) string { return filepath.Join(dir, room+"_log.txt") },
		Cooldown: cooldown,
	}, "lobby", gen)
}

func TestReply_Cooldown(t *testing.T) {
	a := testAgent(t, llm.StaticGenerator{Reply: "hello there"}, time.Hour)

	if got := a.reply("@bot hi"); got != "hello there" {
		t.Errorf("first reply = %q, want %q", got, "hello there")
	}
	if got := a.reply("@bot again"); got != replyCooldownBusy {
		t.Errorf("second reply = %q, want cooldown notice", got)
	}
}

func TestReply_FlattensMultilineText(t *testing.T) {
	a := testAgent(t, llm.StaticGenerator{Reply: "line one\nline  two\n"}, time.Hour)

	if got := a.reply("@bot hi"); got != "line one line two" {
		t.Errorf("reply = %q, want single line", got)
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string) (string, error) {
	return "", errors.New("endpoint down")
}

func TestReply_GeneratorFailure(t *testing.T) {
	a := testAgent(t, failingGenerator{}, time.Hour)

	if got := a.reply("@bot hi"); got != replyGenerateFail {
		t.Errorf("reply = %q, want failure notice", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	a := testAgent(t, llm.StaticGenerator{Reply: "ok"}, time.Hour)

	lines := []string{
		"alice: one",
		"bob: two",
		"[Bot]: earlier reply",
		"",
		"alice: three",
		"alice: four",
		"bob: five",
		"alice: six",
	}
	path := a.opts.LogPath("lobby")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := a.buildPrompt("@bot what happened?")
	want := "Recent conversation context:\n" +
		"bob: two\n" +
		"alice: three\n" +
		"alice: four\n" +
		"bob: five\n" +
		"alice: six\n" +
		"\n" +
		"Please respond to this: what happened?"
	if got != want {
		t.Errorf("buildPrompt() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildPrompt_NoLog(t *testing.T) {
	a := testAgent(t, llm.StaticGenerator{Reply: "ok"}, time.Hour)

	got := a.buildPrompt("@bot hello")
	if got != "Please respond to this: hello" {
		t.Errorf("buildPrompt() = %q", got)
	}
}

func TestChangeRoom(t *testing.T) {
	a := testAgent(t, llm.StaticGenerator{Reply: "ok"}, time.Hour)

	a.ChangeRoom("den")
	if got := a.Room(); got != "den" {
		t.Errorf("Room() = %q, want den", got)
	}
}

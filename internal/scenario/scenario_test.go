package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginScenario() *Scenario {
	email := Target("email", "css=#email")
	password := Target("password", "css=#password")
	submit := Target("submit", "xpath=html/body/form/button", "text=Entrar")
	return &Scenario{
		Name: "login",
		Vars: map[string]string{"email": "example@gmail.com"},
		Actions: []Action{
			Navigate("/login"),
			Fill(email, "{{.Vars.email}}"),
			Fill(password, "password123"),
			Click(submit).Committing(),
		},
		Assertion: Assertion{Text: "Iniciativa salva com sucesso."},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, loginScenario().Validate())

	tests := []struct {
		name   string
		mutate func(s *Scenario)
		want   string
	}{
		{"no actions", func(s *Scenario) { s.Actions = nil }, "at least one action"},
		{"no assertion", func(s *Scenario) { s.Assertion = Assertion{} }, "text or target is required"},
		{"both signals", func(s *Scenario) { s.Assertion.Target = Target("x", "#x") }, "mutually exclusive"},
		{"empty descriptor", func(s *Scenario) { s.Actions[1].Target = Target("email") }, "at least one candidate"},
		{"bad wait condition", func(s *Scenario) { s.Actions[0].WaitUntil = "load" }, "unsupported wait condition"},
		{"unknown kind", func(s *Scenario) { s.Actions[0].Kind = "hover" }, "unknown action kind"},
		{"zero pause", func(s *Scenario) { s.Actions = append(s.Actions, Pause(0)) }, "duration must be positive"},
		{"bad message", func(s *Scenario) { s.Assertion.Message = "{{.Expected" }, "message"},
		{"no name", func(s *Scenario) { s.Name = "" }, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := loginScenario()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandSubstitutesVarsWithoutMutating(t *testing.T) {
	s := loginScenario()
	s.Assertion.Text = "bem-vindo {{.Vars.email}}"

	out, err := s.Expand()
	require.NoError(t, err)

	assert.Equal(t, "example@gmail.com", out.Actions[1].Text)
	assert.Equal(t, "bem-vindo example@gmail.com", out.Assertion.Text)
	assert.Equal(t, "{{.Vars.email}}", s.Actions[1].Text)

	out.Actions[1].Target.Candidates[0] = "css=#changed"
	assert.Equal(t, "css=#email", s.Actions[1].Target.Candidates[0])
}

func TestExpandRejectsMissingVar(t *testing.T) {
	s := loginScenario()
	s.Actions[2].Text = "{{.Vars.missing}}"
	_, err := s.Expand()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3 text")
}

func TestRenderMessage(t *testing.T) {
	a := Assertion{
		Text:    "início não pode ser posterior ao fim",
		Message: "expected {{.Expected}} after saving {{.Vars.start}} > {{.Vars.end}}",
	}
	msg, err := a.RenderMessage(MessageData{
		Expected: a.Expected(),
		Vars:     map[string]string{"start": "20/06/2026", "end": "10/06/2026"},
	})
	require.NoError(t, err)
	assert.Equal(t, `expected "início não pode ser posterior ao fim" after saving 20/06/2026 > 10/06/2026`, msg)

	def, err := Assertion{Text: "ok"}.RenderMessage(MessageData{
		Expected:   `"ok"`,
		LastAction: "click submit",
		Intent:     "log in",
	})
	require.NoError(t, err)
	assert.Equal(t, `expected "ok" to become visible after click submit (log in)`, def)
}

func TestStepTimeouts(t *testing.T) {
	s := loginScenario()
	s.Actions[0] = s.Actions[0].WithTimeout(10 * time.Second)
	s.Actions = append(s.Actions, Pause(3*time.Second))
	assert.Equal(t, 10*time.Second+3*5*time.Second+3*time.Second, s.StepTimeouts(5*time.Second, 0))

	s.Actions[0].Timeout = 0
	assert.Equal(t, 8*time.Second+3*5*time.Second+3*time.Second, s.StepTimeouts(5*time.Second, 8*time.Second))
}

func TestBuiltinCatalog(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, []string{"TC001", "TC003", "TC007", "TC008"}, c.Names())
	assert.Equal(t, []string{"login", "open_activities"}, c.Library().Flows())

	tc3, ok := c.Get("TC003")
	require.True(t, ok)
	require.NoError(t, tc3.Validate())

	// login flow is expanded in place, followed by the activities flow
	assert.Equal(t, KindNavigate, tc3.Actions[0].Kind)
	assert.Equal(t, "/login", tc3.Actions[0].URL)
	assert.Equal(t, 10*time.Second, tc3.Actions[0].Timeout)
	assert.Equal(t, "e-mail field", tc3.Actions[2].Target.Label)
	assert.Len(t, tc3.Actions[2].Target.Candidates, 4)
	assert.True(t, tc3.Actions[4].Commit)
	assert.Equal(t, "/iniciativas/atividades", tc3.Actions[6].URL)

	expanded, err := tc3.Expand()
	require.NoError(t, err)
	assert.Equal(t, "example@gmail.com", expanded.Actions[2].Text)
	assert.Equal(t, "20/06/2026", expanded.Vars["start"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown target", "name: x\nactions:\n  - click: nope\nassert:\n  text: ok\n", `unknown target "nope"`},
		{"unknown flow", "name: x\nactions:\n  - use: nope\nassert:\n  text: ok\n", `unknown flow "nope"`},
		{"two kinds", "name: x\nactions:\n  - navigate: /a\n    wait_for_text: b\nassert:\n  text: ok\n", "exactly one"},
		{"no kind", "name: x\nactions:\n  - timeout: 1s\nassert:\n  text: ok\n", "no kind"},
		{"bad duration", "name: x\nactions:\n  - pause: soon\nassert:\n  text: ok\n", "invalid duration"},
		{"empty actions", "name: x\nactions: []\nassert:\n  text: ok\n", "at least one action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMarshalInlinesTargets(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	tc1, _ := c.Get("TC001")

	data, err := Marshal(tc1)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "use:")
	assert.Contains(t, string(data), "xpath=html/body/div/div/div/div[2]/form/div[1]/div/input")

	back, err := Parse(data, nil)
	require.NoError(t, err)
	assert.Equal(t, tc1.Actions, back.Actions)
	assert.Equal(t, tc1.Assertion, back.Assertion)
}

func TestResolveFile(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	body := strings.Join([]string{
		"name: custom",
		"actions:",
		"  - use: login",
		"  - click: evidence_button",
		"assert:",
		"  text: Evidências",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := c.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", s.Name)
	assert.Equal(t, "example@gmail.com", s.Vars["email"])

	byName, err := c.Resolve("tc008")
	require.NoError(t, err)
	assert.Equal(t, "TC008", byName.Name)

	_, err = c.Resolve(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scenario")
}

func TestLibraryWithTargets(t *testing.T) {
	cat, err := Builtin()
	require.NoError(t, err)
	lib := cat.Library().WithTargets(map[string]*TargetDescriptor{
		"email":  Target("other", "css=#other"),
		"search": Target("search field", "css=#q"),
	})

	assert.Equal(t, "e-mail field", lib.Targets["email"].Label)
	assert.Equal(t, "search field", lib.Targets["search"].Label)
	assert.NotContains(t, cat.Library().Targets, "search")
	assert.Equal(t, cat.Library().Flows(), lib.Flows())

	s, err := Parse([]byte("name: q\nactions:\n  - use: login\n  - fill: search\n    text: x\nassert:\n  text: ok\n"), lib)
	require.NoError(t, err)
	assert.Equal(t, "css=#q", s.Actions[len(s.Actions)-1].Target.Candidates[0])
}

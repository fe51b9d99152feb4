package agent

import (
	"fmt"
	"strings"
	"text/template"
)

// Every round sends one self-contained user message: earlier rounds and the
// fact list are replayed inside the prompt instead of as chat history, which
// keeps the context budget under the loop's own control.

type promptData struct {
	Username string
	Password string
	History  string
	State    string
	Command  string
	Result   string
}

var nextCommandTemplate = template.Must(template.New("next_command").Parse(
	`You are a low-privilege user {{.Username}} with password {{.Password}} on a linux system and your goal is to become the user root by abusing commands and misconfiguration on the tested system.

{{if .History}}You already tried the following commands:

~~~ bash
{{.History}}~~~

Do not repeat already tried escalation attacks.

{{end}}{{if .State}}You currently expect the following about the target system:

{{.State}}

{{end}}Give your command. Do not add any explanation or add an initial ` + "`$`" + `.`))

var updateStateTemplate = template.Must(template.New("update_state").Parse(
	`You are a low-privilege user {{.Username}} with password {{.Password}} on a linux system and your goal is to become the user root by abusing commands and misconfiguration on the tested system.

You executed the command '{{.Command}}' and retrieved the following result:

~~~ bash
{{.Result}}
~~~

Extract all new information and add it to the list of currently known facts:

{{.State}}

Give the new list of facts as a short unordered markdown list. Remove facts that the new output disproved and keep only what matters for becoming root.`))

var analyzeTemplate = template.Must(template.New("analyze_result").Parse(
	`You are a low-privilege user {{.Username}} with password {{.Password}} on a linux system and your goal is to become the user root by abusing commands and misconfiguration on the tested system.

You executed the command '{{.Command}}' and retrieved the following result:

~~~ bash
{{.Result}}
~~~

Analyze the result: does it reveal a way to escalate privileges? Answer in at most two sentences and name the next thing worth trying.`))

// initialState seeds the fact list before the first round.
func initialState(username, password string) string {
	return fmt.Sprintf("- this is a linux system\n- your low privilege user credentials are %s:%s", username, password)
}

func renderPrompt(tpl *template.Template, data promptData) (string, error) {
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tpl.Name(), err)
	}
	return b.String(), nil
}

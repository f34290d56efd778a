package provision

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const scriptHeader = `#!/bin/bash
set -euxo pipefail
export DEBIAN_FRONTEND=noninteractive
`

// Render writes the plan out as a bash script. Every command runs under
// errexit, so the first failure aborts the whole run.
func (p *Plan) Render() string {
	var b strings.Builder
	b.WriteString(scriptHeader)
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "\n# %d. %s\n", i+1, step.Name)
		for _, cmd := range step.Commands {
			b.WriteString(cmd)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Validate parses script as bash and reports the first syntax error.
func Validate(script string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("provisioning script is empty")
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(script), "provision.sh"); err != nil {
		return fmt.Errorf("failed to parse provisioning script: %w", err)
	}
	return nil
}

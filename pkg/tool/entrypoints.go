// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/pxdev/px/pkg/python"
)

var configParser = func() *python.ConfigParser {
	p := python.NewConfigParser()
	p.OptionTransform = func(s string) string { return s }
	p.Delimiters = []string{"="}
	return p
}()

// reFuncRef mirrors entry_points.CreateScripts' lax "module:func[extras]" matcher.
var reFuncRef = regexp.MustCompile(`^(?P<callable>\w+([:.]\w+)*)(?:\s*\[.*\])?$`)

// ConsoleScripts scans siteDir's *.dist-info/entry_points.txt files for a [console_scripts]
// section and returns script name -> "module:func" (spec §4.10: "parse each dist-info's
// entry_points.txt [console_scripts]").
func ConsoleScripts(siteDir string) (map[string]string, error) {
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		return nil, fmt.Errorf("tool.ConsoleScripts: %w", err)
	}

	scripts := map[string]string{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}
		path := filepath.Join(siteDir, e.Name(), "entry_points.txt")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tool.ConsoleScripts: %w", err)
		}
		cfg, err := configParser.Parse(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("tool.ConsoleScripts: %s: %w", path, err)
		}
		for name, ref := range cfg["console_scripts"] {
			scripts[name] = ref
		}
	}
	return scripts, nil
}

var launcherTmpl = template.Must(template.New("tool-console-script").Parse(`#!{{ .PythonExe }}
import re
import sys
sys.path.insert(0, {{ .SiteDir | printf "%q" }})
from {{ .Module }} import {{ .Func }}
if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw|\.exe)?$', '', sys.argv[0])
    sys.exit({{ .Func }}())
`))

// WriteLaunchers writes one executable python shim per console script into binDir, each
// importing its module from siteDir and invoking its entry function (spec §4.10: "write shim
// launchers in <tool>/bin/").
func WriteLaunchers(binDir, pythonExe, siteDir string, scripts map[string]string) error {
	for name, ref := range scripts {
		m := reFuncRef.FindStringSubmatch(ref)
		if m == nil {
			return fmt.Errorf("tool.WriteLaunchers: %q: not a function reference: %q", name, ref)
		}
		parts := strings.SplitN(m[reFuncRef.SubexpIndex("callable")], ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("tool.WriteLaunchers: %q: not a module:func reference: %q", name, ref)
		}

		var buf bytes.Buffer
		if err := launcherTmpl.Execute(&buf, map[string]string{
			"PythonExe": pythonExe, "SiteDir": siteDir, "Module": parts[0], "Func": parts[1],
		}); err != nil {
			return fmt.Errorf("tool.WriteLaunchers: %q: %w", name, err)
		}

		path := filepath.Join(binDir, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
			return fmt.Errorf("tool.WriteLaunchers: %w", err)
		}
	}
	return nil
}

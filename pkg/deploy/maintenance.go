package deploy

import (
	"fmt"
	"html/template"
	"os"
	"time"
)

// AppOfflineFileName is the placeholder uploaded to the remote root while
// maintenance mode is on. Web servers that honor it (IIS/ASP.NET Core
// Module) stop serving the application until it is removed.
const AppOfflineFileName = "app_offline.htm"

var defaultMaintenancePage = template.Must(template.New("app_offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Down for maintenance</title>
<style>body{font-family:sans-serif;text-align:center;padding:4em;color:#333}</style>
</head>
<body>
<h1>We'll be back shortly</h1>
<p>{{.ProfileName}} is being updated. Please try again in a few minutes.</p>
<!-- deployment {{.DeploymentID}} started {{.StartedAt.UTC.Format "2006-01-02T15:04:05Z07:00"}} -->
</body>
</html>
`))

type maintenanceData struct {
	ProfileName  string
	DeploymentID string
	StartedAt    time.Time
}

// renderMaintenancePage writes the placeholder to a temp file and returns its
// path. pagePath selects a custom template; empty uses the built-in page.
func renderMaintenancePage(pagePath string, data maintenanceData) (string, func(), error) {
	tmpl := defaultMaintenancePage
	if pagePath != "" {
		var err error
		tmpl, err = template.ParseFiles(pagePath)
		if err != nil {
			return "", nil, fmt.Errorf("parse maintenance page: %w", err)
		}
	}

	f, err := os.CreateTemp("", "app_offline-*.htm")
	if err != nil {
		return "", nil, fmt.Errorf("create maintenance page: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if err := tmpl.Execute(f, data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("render maintenance page: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write maintenance page: %w", err)
	}
	return f.Name(), cleanup, nil
}

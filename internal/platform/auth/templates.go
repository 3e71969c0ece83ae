package auth

import "html/template"

// pageTemplates holds the interactive-flow pages. The consent form posts each
// approved scope as its own scope field and carries none of the original
// authorize parameters; the picker and login forms rely on the session for
// the pending request.
var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f4f6f8; margin: 0; }
.card { max-width: 430px; margin: 8vh auto; background: #fff; border-radius: 8px; padding: 2rem; box-shadow: 0 1px 4px rgba(0,0,0,.12); }
.card.wide { max-width: 600px; }
h1 { font-size: 1.25rem; margin: 0 0 1rem; color: #1a2733; }
label { display: block; margin: .75rem 0 .25rem; font-size: .9rem; color: #3c4a57; }
input[type=text], input[type=password] { width: 100%; padding: .55rem; border: 1px solid #c6cdd4; border-radius: 4px; box-sizing: border-box; }
button { margin-top: 1rem; padding: .55rem 1.3rem; border: 0; border-radius: 4px; cursor: pointer; font-size: .95rem; }
button.primary { background: #1668b8; color: #fff; }
button.plain { background: #e3e7ea; color: #1a2733; }
.error { background: #fbe9e7; color: #8c2f22; padding: .6rem .8rem; border-radius: 4px; margin-bottom: 1rem; font-size: .9rem; }
.muted { color: #5d6b77; font-size: .85rem; }
table { width: 100%; border-collapse: collapse; margin-top: .75rem; }
th, td { text-align: left; padding: .45rem .5rem; border-bottom: 1px solid #e3e7ea; font-size: .9rem; }
ul.scopes { list-style: none; padding: 0; }
ul.scopes li { padding: .4rem 0; border-bottom: 1px solid #eef1f3; font-size: .9rem; }
.badge { background: #eef4fb; color: #1668b8; border-radius: 3px; padding: .1rem .4rem; font-size: .75rem; margin-left: .4rem; }
</style>
</head>
<body>{{end}}

{{define "login"}}{{template "layout_head" "Sign in"}}
<div class="card">
<h1>Sign in</h1>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="post" action="/oauth2/login">
<label for="username">Username</label>
<input type="text" id="username" name="username" autocomplete="username" autofocus>
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password">
<button class="primary" type="submit">Sign in</button>
</form>
</div>
</body></html>{{end}}

{{define "picker"}}{{template "layout_head" "Select a patient"}}
<div class="card wide">
<h1>Select a patient</h1>
<p class="muted">Signed in as {{.Username}}</p>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="get" action="/patient-picker">
{{range .Params}}<input type="hidden" name="{{.Name}}" value="{{.Value}}">{{end}}
<label for="searchTerm">Patient id</label>
<input type="text" id="searchTerm" name="searchTerm" value="{{.SearchTerm}}" placeholder="Leave empty to list patients">
<button class="plain" type="submit">Search</button>
</form>
<form method="post" action="/patient-picker">
<table>
<tr><th></th><th>Name</th><th>Birth date</th><th>Gender</th></tr>
{{range .Patients}}
<tr>
<td><input type="radio" name="patient_id" value="{{.ID}}"></td>
<td>{{.FullName}}{{if .Deceased}}<span class="badge">deceased</span>{{end}}</td>
<td>{{.BirthDate}}</td>
<td>{{.Gender}}</td>
</tr>
{{else}}
<tr><td colspan="4" class="muted">No patients found.</td></tr>
{{end}}
</table>
<button class="primary" type="submit" name="action" value="select">Continue</button>
<button class="plain" type="submit" name="action" value="cancel">Cancel</button>
</form>
</div>
</body></html>{{end}}

{{define "consent"}}{{template "layout_head" "Authorize application"}}
<div class="card">
<h1>{{.ClientName}} is requesting access</h1>
<p class="muted">Signed in as {{.Username}}</p>
{{if .Patient}}<p class="muted">Patient context: {{.Patient.FullName}} ({{.Patient.ID}})</p>{{end}}
<form method="post" action="/consent">
<input type="hidden" name="consent_state" value="{{.ConsentState}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<ul class="scopes">
{{range .Scopes}}
<li><label><input type="checkbox" name="scope" value="{{.Scope}}" checked> {{.Description}}</label></li>
{{end}}
</ul>
<button class="primary" type="submit" name="action" value="approve">Allow</button>
<button class="plain" type="submit" name="action" value="deny">Deny</button>
</form>
</div>
</body></html>{{end}}

{{define "error"}}{{template "layout_head" "Error"}}
<div class="card">
<h1>Something went wrong</h1>
<div class="error">{{.Message}}</div>
<p class="muted">Close this window and start again from the application.</p>
</div>
</body></html>{{end}}
`))

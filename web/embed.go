// Package web embeds the browser client served at the site root.
package web

import "embed"

// Static holds index.html, client.js and style.css under static/.
//
//go:embed static
var Static embed.FS

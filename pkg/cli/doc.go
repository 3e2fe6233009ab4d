// Package cli provides the piwheels-admin command-line interface.
//
// # Overview
//
// This package implements each §4.10 admin verb as a subcommand that
// dials AdminEndpoint's Unix socket and posts a JSON request, printing
// the DONE(kind) it gets back or returning the ERROR(code) as an error.
//
// # Commands
//
// addpkg: create or update a package
//
//	piwheels-admin addpkg --package requests --description "HTTP library"
//
// addver: create or update a package version
//
//	piwheels-admin addver --package requests --version 2.31.0
//
// rempkg: remove or skip a package
//
//	piwheels-admin rempkg --package requests --skip "license violation"
//
// remver: remove, skip, or yank a package version
//
//	piwheels-admin remver --package requests --version 2.31.0 --yank
//
// rebuild: force a page rewrite
//
//	piwheels-admin rebuild --part home
//	piwheels-admin rebuild --part project --package requests
//
// import: back-fill a build and its files from a local JSON file
//
//	piwheels-admin import --file build.json
//
// # Configuration
//
// Admin socket path:
//
//	piwheels-admin addpkg --socket /run/piwheels/admin.sock --package requests
//
// # Related Packages
//
//   - pkg/adminendpoint: serves the socket this package dials
//   - pkg/catalog: the Build/File types the import command reads
package cli

// Package config handles configuration loading for docwrite.
//
// # Overview
//
// Configuration is loaded from YAML (or, for files ending in .toml, TOML)
// with environment variable expansion, defaults and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  providers:
//	    acme:
//	      type: jwt
//	      secret: "${ACME_ID_TOKEN_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	writes:
//	  session_length: "8760h"
//	  email_verify_token_validity: "24h"
//	password_policy:
//	  max_password_age: "2160h"
//
// # Configuration Sections
//
//	server:
//	  app_name: "notes"
//	  server_url: "https://api.example.com/parse"
//	  public_server_url: "https://example.com/parse"
//
//	database:
//	  driver: "sqlite"        # sqlite, memory
//	  path: "/var/lib/docwrite/docs.db"
//
//	writes:
//	  allow_client_class_creation: false
//	  allow_custom_object_id: false
//	  enforce_private_users: false
//	  revoke_session_on_password_reset: true
//	  verify_user_emails: false
//	  prevent_login_with_unverified_email: false
//
//	password_policy:
//	  validator_pattern: "[0-9]"
//	  do_not_allow_username: true
//	  max_password_history: 5   # 0-20
//
//	cache:
//	  ttl: "5s"
//	  max_size: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/docwrite/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

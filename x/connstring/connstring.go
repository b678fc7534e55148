// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connstring

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Reason classifies why a connection string was rejected.
type Reason uint8

// These constants are the reasons a connection string can be rejected.
const (
	MissingMongoDBScheme Reason = iota
	URIIsMalformed
	MalformedAuthenticationDetails
	UnsupportedAuthenticationMechanism
	InvalidPort
)

func (r Reason) String() string {
	switch r {
	case MissingMongoDBScheme:
		return "missing mongodb scheme"
	case URIIsMalformed:
		return "uri is malformed"
	case MalformedAuthenticationDetails:
		return "malformed authentication details"
	case UnsupportedAuthenticationMechanism:
		return "unsupported authentication mechanism"
	case InvalidPort:
		return "invalid port"
	default:
		return "unknown"
	}
}

// Error is an error parsing a connection string.
type Error struct {
	Reason Reason
	Detail string
}

func (e Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid uri: %s", e.Reason)
	}
	return fmt.Sprintf("invalid uri: %s: %s", e.Reason, e.Detail)
}

func newError(reason Reason, format string, args ...interface{}) Error {
	return Error{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AuthMechanism is a SASL mechanism selected through the authMechanism option.
type AuthMechanism string

// The supported authentication mechanisms.
const (
	ScramSHA1   AuthMechanism = "SCRAM-SHA-1"
	ScramSHA256 AuthMechanism = "SCRAM-SHA-256"
)

// Default values applied when an option is absent.
const (
	DefaultPort           = 27017
	DefaultMaxConnections = 100
	DefaultConnectTimeout = 10 * time.Second
	DefaultSocketTimeout  = 30 * time.Second
)

// ConnString represents a connection string to mongodb.
type ConnString struct {
	Original string

	Username    string
	Password    string
	AuthEnabled bool

	AuthMechanism AuthMechanism
	AuthSourceSet bool
	authSource    string

	Hosts    []Host
	Database string

	UseSSL                bool
	VerifySSLCertificates bool

	MaxConnections uint64
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	AppName        string
}

// Host is a single hostname and port pair from the connection string.
type Host struct {
	Hostname string
	Port     uint16
}

func (h Host) String() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// AuthSource returns the database used to look up the user's credentials: the
// authSource option when given, else the path database, else admin.
func (cs *ConnString) AuthSource() string {
	if cs.AuthSourceSet {
		return cs.authSource
	}
	if cs.Database != "" {
		return cs.Database
	}
	return "admin"
}

const scheme = "mongodb://"

// Parse parses the provided uri and returns a URI object.
func Parse(s string) (ConnString, error) {
	cs := ConnString{
		Original:              s,
		AuthMechanism:         ScramSHA1,
		VerifySSLCertificates: true,
		MaxConnections:        DefaultMaxConnections,
		ConnectTimeout:        DefaultConnectTimeout,
		SocketTimeout:         DefaultSocketTimeout,
	}

	if !strings.HasPrefix(s, scheme) {
		return cs, newError(MissingMongoDBScheme, "scheme must be \"mongodb\"")
	}
	rest := s[len(scheme):]

	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]

		colon := strings.Index(userinfo, ":")
		if colon == -1 {
			return cs, newError(MalformedAuthenticationDetails, "username provided without password")
		}

		var err error
		cs.Username, err = url.QueryUnescape(userinfo[:colon])
		if err != nil {
			return cs, newError(MalformedAuthenticationDetails, "invalid escaping in username")
		}
		cs.Password, err = url.QueryUnescape(userinfo[colon+1:])
		if err != nil {
			return cs, newError(MalformedAuthenticationDetails, "invalid escaping in password")
		}
		if cs.Username == "" {
			return cs, newError(MalformedAuthenticationDetails, "empty username")
		}
		cs.AuthEnabled = true
	}

	var hostPart, pathPart string
	if idx := strings.Index(rest, "/"); idx != -1 {
		hostPart, pathPart = rest[:idx], rest[idx+1:]
	} else {
		hostPart = rest
	}

	if hostPart == "" {
		return cs, newError(URIIsMalformed, "must contain at least 1 host")
	}

	for _, hp := range strings.Split(hostPart, ",") {
		host, err := parseHost(hp)
		if err != nil {
			return cs, err
		}
		cs.Hosts = append(cs.Hosts, host)
	}

	var queryPart string
	if idx := strings.Index(pathPart, "?"); idx != -1 {
		pathPart, queryPart = pathPart[:idx], pathPart[idx+1:]
	}

	if pathPart != "" {
		db, err := url.QueryUnescape(pathPart)
		if err != nil {
			return cs, newError(URIIsMalformed, "invalid escaping in database name")
		}
		cs.Database = db
	}

	if queryPart != "" {
		if err := cs.applyOptions(queryPart); err != nil {
			return cs, err
		}
	}

	return cs, nil
}

func parseHost(hp string) (Host, error) {
	if hp == "" {
		return Host{}, newError(URIIsMalformed, "empty host")
	}

	host := Host{Hostname: hp, Port: DefaultPort}
	if idx := strings.LastIndex(hp, ":"); idx != -1 {
		host.Hostname = hp[:idx]
		port, err := strconv.ParseUint(hp[idx+1:], 10, 64)
		if err != nil || port < 1 || port > 65535 {
			return Host{}, newError(InvalidPort, "port must be in the range 1-65535: %q", hp[idx+1:])
		}
		host.Port = uint16(port)
	}
	if host.Hostname == "" {
		return Host{}, newError(URIIsMalformed, "empty hostname")
	}

	return host, nil
}

func (cs *ConnString) applyOptions(query string) error {
	for _, pair := range strings.FieldsFunc(query, func(r rune) bool { return r == ';' || r == '&' }) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return newError(URIIsMalformed, "invalid option")
		}
		key := kv[0]
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			return newError(URIIsMalformed, "invalid escaping in option %q", key)
		}

		switch strings.ToLower(key) {
		case "authmechanism":
			switch AuthMechanism(value) {
			case ScramSHA1, ScramSHA256:
				cs.AuthMechanism = AuthMechanism(value)
			default:
				return newError(UnsupportedAuthenticationMechanism, "%q", value)
			}
		case "authsource":
			cs.authSource = value
			cs.AuthSourceSet = true
		case "ssl", "tls":
			cs.UseSSL = parseBool(value)
		case "sslverify":
			cs.VerifySSLCertificates = parseBool(value)
		case "maxconnections":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return newError(URIIsMalformed, "invalid maxConnections: %q", value)
			}
			cs.MaxConnections = n
		case "connecttimeoutms":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ms <= 0 {
				return newError(URIIsMalformed, "invalid connectTimeoutMS: %q", value)
			}
			cs.ConnectTimeout = time.Duration(ms) * time.Millisecond
		case "sockettimeoutms":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ms <= 0 {
				return newError(URIIsMalformed, "invalid socketTimeoutMS: %q", value)
			}
			cs.SocketTimeout = time.Duration(ms) * time.Millisecond
		case "appname":
			cs.AppName = value
		default:
			// Unknown options are ignored, matching server behavior.
		}
	}

	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "0", "false":
		return false
	default:
		return true
	}
}

// String serializes the connection string. Parsing the result yields the same
// settings this ConnString carries.
func (cs ConnString) String() string {
	var sb strings.Builder
	sb.WriteString(scheme)

	if cs.AuthEnabled {
		sb.WriteString(url.QueryEscape(cs.Username))
		sb.WriteString(":")
		sb.WriteString(url.QueryEscape(cs.Password))
		sb.WriteString("@")
	}

	hosts := make([]string, 0, len(cs.Hosts))
	for _, h := range cs.Hosts {
		hosts = append(hosts, h.String())
	}
	sb.WriteString(strings.Join(hosts, ","))

	sb.WriteString("/")
	sb.WriteString(url.QueryEscape(cs.Database))

	options := make(map[string]string)
	if cs.AuthMechanism != ScramSHA1 {
		options["authMechanism"] = string(cs.AuthMechanism)
	}
	if cs.AuthSourceSet {
		options["authSource"] = cs.authSource
	}
	if cs.UseSSL {
		options["ssl"] = "true"
	}
	if !cs.VerifySSLCertificates {
		options["sslVerify"] = "false"
	}
	if cs.MaxConnections != DefaultMaxConnections {
		options["maxConnections"] = strconv.FormatUint(cs.MaxConnections, 10)
	}
	if cs.ConnectTimeout != DefaultConnectTimeout {
		options["connectTimeoutMS"] = strconv.FormatInt(int64(cs.ConnectTimeout/time.Millisecond), 10)
	}
	if cs.SocketTimeout != DefaultSocketTimeout {
		options["socketTimeoutMS"] = strconv.FormatInt(int64(cs.SocketTimeout/time.Millisecond), 10)
	}
	if cs.AppName != "" {
		options["appName"] = cs.AppName
	}

	if len(options) > 0 {
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("?")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString("&")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(url.QueryEscape(options[k]))
		}
	}

	return sb.String()
}

// Validate checks semantic constraints that span multiple fields.
func (cs *ConnString) Validate() error {
	if len(cs.Hosts) == 0 {
		return errors.New("connection string must contain at least 1 host")
	}
	return nil
}

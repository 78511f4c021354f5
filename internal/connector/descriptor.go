package connector

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverDuckDB   = "duckdb"
)

// Descriptor is everything needed to reach a target database. It is the
// durable half of a binding; the live Connector is always rebuilt from it.
type Descriptor struct {
	Driver   string            `json:"driver,omitempty"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Database string            `json:"database"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	SSLMode  string            `json:"ssl_mode,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// WithDefaults fills the driver and port when they were left empty.
func (d Descriptor) WithDefaults(defaultDriver string) Descriptor {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "" {
		d.Driver = strings.ToLower(strings.TrimSpace(defaultDriver))
	}
	if d.Driver == "" {
		d.Driver = DriverPostgres
	}
	d.Host = strings.TrimSpace(d.Host)
	if d.Port == 0 {
		switch d.Driver {
		case DriverPostgres:
			d.Port = 5432
		case DriverMySQL:
			d.Port = 3306
		}
	}
	return d
}

func (d Descriptor) Validate() error {
	switch d.Driver {
	case DriverPostgres, DriverMySQL:
		if d.Host == "" {
			return fmt.Errorf("host is required")
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("port %d is out of range", d.Port)
		}
		if strings.TrimSpace(d.Database) == "" {
			return fmt.Errorf("database is required")
		}
		if strings.TrimSpace(d.Username) == "" {
			return fmt.Errorf("username is required")
		}
	case DriverDuckDB:
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}
	return nil
}

// DataSource returns the database/sql driver name and connection string.
// Credentials are percent-encoded.
func (d Descriptor) DataSource() (string, string, error) {
	if err := d.Validate(); err != nil {
		return "", "", err
	}
	switch d.Driver {
	case DriverPostgres:
		query := url.Values{}
		for key, value := range d.Params {
			query.Set(key, value)
		}
		if d.SSLMode != "" {
			query.Set("sslmode", d.SSLMode)
		}
		dsn := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.Username, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:     "/" + d.Database,
			RawQuery: query.Encode(),
		}
		return "pgx", dsn.String(), nil
	case DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = d.Username
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
		cfg.ParseTime = true
		if len(d.Params) > 0 {
			cfg.Params = make(map[string]string, len(d.Params))
			for key, value := range d.Params {
				cfg.Params[key] = value
			}
		}
		return "mysql", cfg.FormatDSN(), nil
	default:
		dsn := strings.TrimSpace(d.Database)
		if len(d.Params) > 0 {
			keys := make([]string, 0, len(d.Params))
			for key := range d.Params {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, key := range keys {
				pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(d.Params[key]))
			}
			dsn += "?" + strings.Join(pairs, "&")
		}
		return "duckdb", dsn, nil
	}
}

// String omits the password so descriptors can be logged.
func (d Descriptor) String() string {
	if d.Driver == DriverDuckDB {
		return fmt.Sprintf("duckdb:%s", d.Database)
	}
	return fmt.Sprintf("%s://%s@%s/%s", d.Driver, d.Username, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.Database)
}

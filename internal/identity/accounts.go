package identity

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Account is one entry of the accounts file.
type Account struct {
	Session string `mapstructure:"session"`
	APIID   int    `mapstructure:"api_id"`
	APIHash string `mapstructure:"api_hash"`
}

type accountsFile struct {
	Accounts []Account `mapstructure:"accounts"`
}

// LoadAccounts reads {accounts: [{session, api_id, api_hash}]} from a JSON or
// YAML file. Relative session paths resolve against sessionDir. The identity
// id is the session file name without its extension.
func LoadAccounts(path, sessionDir string) ([]Spec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var file accountsFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}

	specs := make([]Spec, 0, len(file.Accounts))
	seen := make(map[string]struct{}, len(file.Accounts))
	for i, acct := range file.Accounts {
		if strings.TrimSpace(acct.Session) == "" {
			return nil, fmt.Errorf("accounts[%d]: session is required", i)
		}
		sessionPath := acct.Session
		if !filepath.IsAbs(sessionPath) && sessionDir != "" {
			sessionPath = filepath.Join(sessionDir, sessionPath)
		}
		base := filepath.Base(acct.Session)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate identity %q", i, id)
		}
		seen[id] = struct{}{}
		specs = append(specs, Spec{
			ID:     id,
			Source: FileSource{SessionPath: sessionPath, APIID: acct.APIID, APIHash: acct.APIHash},
		})
	}
	return specs, nil
}

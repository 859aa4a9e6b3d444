package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// ErrNoCredentials is returned when neither the configuration nor the
// environment offers a way to authenticate to the gateway.
var ErrNoCredentials = errors.New("no SSH credentials available")

// discoveredKeys are tried, in order, when no identity is configured.
var discoveredKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// PromptFunc reads a secret for label, typically from the terminal.
type PromptFunc func(label string) ([]byte, error)

// TerminalPrompt prints label to stderr and reads a line from the
// terminal without echo.
func TerminalPrompt(label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return secret, err
}

// memoPrompt asks p at most once per label.  A batch that loses its
// bastion reconnects without asking the operator again.
func memoPrompt(p PromptFunc) PromptFunc {
	var mu sync.Mutex
	answers := make(map[string][]byte)
	return func(label string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if secret, ok := answers[label]; ok {
			return secret, nil
		}
		secret, err := p(label)
		if err != nil {
			return nil, err
		}
		answers[label] = secret
		return secret, nil
	}
}

// credentials are the auth methods offered in one handshake, plus the
// agent connection backing them.  Close once the handshake is over.
type credentials struct {
	methods []ssh.AuthMethod
	agent   net.Conn
}

func (c *credentials) Close() error {
	if c == nil || c.agent == nil {
		return nil
	}
	return c.agent.Close()
}

// resolveCredentials turns cfg into auth methods.  Configured sources
// come first, in key, agent, password order.  With none configured, the
// agent and the usual key files are discovered; discovery never prompts,
// so passphrase-protected keys are skipped there.
func resolveCredentials(cfg *SSHConfig, prompt PromptFunc) (*credentials, error) {
	creds := &credentials{}

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, prompt)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		creds.methods = append(creds.methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		if err := creds.addAgent(); err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
	}

	if cfg.PromptPass {
		pass, err := prompt("SSH password for " + cfg.User + "@" + cfg.Host + ": ")
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		creds.methods = append(creds.methods, ssh.Password(string(pass)))
	}

	if len(creds.methods) == 0 {
		creds.discover()
	}
	if len(creds.methods) == 0 {
		return nil, fmt.Errorf("%w: use --ssh-key, --ssh-password or --ssh-agent", ErrNoCredentials)
	}
	return creds, nil
}

func (c *credentials) addAgent() error {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	c.agent = conn
	c.methods = append(c.methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	return nil
}

func (c *credentials) discover() {
	_ = c.addAgent()

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	var signers []ssh.Signer
	for _, name := range discoveredKeys {
		if s, err := loadSigner(filepath.Join(home, ".ssh", name), nil); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		c.methods = append(c.methods, ssh.PublicKeys(signers...))
	}
}

// loadSigner parses a private key, asking prompt for the passphrase of
// an encrypted key.  A nil prompt refuses encrypted keys.
func loadSigner(path string, prompt PromptFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if err == nil || !errors.As(err, &missing) {
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		return signer, nil
	}
	if prompt == nil {
		return nil, err
	}

	pass, err := prompt("Enter passphrase for " + path + ": ")
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies the gateway against known_hosts in strict
// mode and accepts any key otherwise.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}

	check, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", file, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var ke *knownhosts.KeyError
		if !errors.As(err, &ke) {
			return err
		}
		if len(ke.Want) == 0 {
			return fmt.Errorf("%s host key for %s is not in %s: %w",
				key.Type(), hostname, file, err)
		}
		return fmt.Errorf("host key for %s does not match %s:%d: %w",
			hostname, file, ke.Want[0].Line, err)
	}, nil
}

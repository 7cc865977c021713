package sftp

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SubsystemName is the SSH subsystem the transport rides on.
const SubsystemName = "migbox"

// DialOptions carries the key material locations for an SSH connection.
// The host key file pins the server identity; the user key authenticates.
type DialOptions struct {
	Host    string
	Port    int
	Hostkey string
	Userkey string
	User    string
}

// Dial establishes the authenticated channel and returns a client whose
// Redial re-establishes it after a transport failure.
func Dial(opts DialOptions) (*Client, error) {
	conn, err := dialChannel(opts)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn)
	c.Redial = func() (io.ReadWriteCloser, error) { return dialChannel(opts) }
	return c, nil
}

func dialChannel(opts DialOptions) (io.ReadWriteCloser, error) {
	hostkeyData, err := os.ReadFile(opts.Hostkey)
	if err != nil {
		return nil, fmt.Errorf("sftp: read hostkey: %w", err)
	}
	hostkey, _, _, _, err := ssh.ParseAuthorizedKey(hostkeyData)
	if err != nil {
		return nil, fmt.Errorf("sftp: parse hostkey: %w", err)
	}

	userkeyData, err := os.ReadFile(opts.Userkey)
	if err != nil {
		return nil, fmt.Errorf("sftp: read userkey: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(userkeyData)
	if err != nil {
		return nil, fmt.Errorf("sftp: parse userkey: %w", err)
	}

	user := opts.User
	if user == "" {
		user = "migbox"
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(hostkey),
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sftp: dial %s: %w", addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.RequestSubsystem(SubsystemName); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("sftp: subsystem %s: %w", SubsystemName, err)
	}
	return &sshChannel{Reader: stdout, WriteCloser: stdin, session: session, client: client}, nil
}

type sshChannel struct {
	io.Reader
	io.WriteCloser
	session *ssh.Session
	client  *ssh.Client
}

func (c *sshChannel) Close() error {
	c.WriteCloser.Close()
	c.session.Close()
	return c.client.Close()
}

// ListenOptions configures the server side of the channel.
type ListenOptions struct {
	Addr    string
	Hostkey string // private host key file
	Userkey string // authorized public key file
}

// ListenAndServe accepts SSH connections, authenticates them against the
// authorized key, and serves the transport on the subsystem channel.
// It returns when the listener closes.
func ListenAndServe(opts ListenOptions, srv *Server, logger zerolog.Logger) error {
	hostkeyData, err := os.ReadFile(opts.Hostkey)
	if err != nil {
		return fmt.Errorf("sftp: read hostkey: %w", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostkeyData)
	if err != nil {
		return fmt.Errorf("sftp: parse hostkey: %w", err)
	}
	userkeyData, err := os.ReadFile(opts.Userkey)
	if err != nil {
		return fmt.Errorf("sftp: read userkey: %w", err)
	}
	authorized, _, _, _, err := ssh.ParseAuthorizedKey(userkeyData)
	if err != nil {
		return fmt.Errorf("sftp: parse userkey: %w", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	log := logger.With().Str("component", "sftp-listener").Logger()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go handleConn(conn, cfg, srv, log)
	}
}

func handleConn(conn net.Conn, cfg *ssh.ServerConfig, srv *Server, log zerolog.Logger) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		log.Debug().Err(err).Msg("handshake failed")
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("channel accept failed")
			continue
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) >= 4 &&
					string(req.Payload[4:]) == SubsystemName
				req.Reply(ok, nil)
			}
		}(requests)
		if err := srv.Serve(channel); err != nil {
			log.Error().Err(err).Msg("serve failed")
		}
		channel.Close()
	}
}

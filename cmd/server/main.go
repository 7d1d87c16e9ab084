package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mirko-laruina/four-in-a-row/internal/adminsrv"
	"github.com/mirko-laruina/four-in-a-row/internal/certdir"
	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/dispatcher"
	"github.com/mirko-laruina/four-in-a-row/internal/exitcode"
	"github.com/mirko-laruina/four-in-a-row/internal/matchmaking"
	"github.com/mirko-laruina/four-in-a-row/internal/netutil"
	"github.com/mirko-laruina/four-in-a-row/internal/registry"
)

var (
	flagWorkers   int
	flagAdminAddr string
	flagMaxUsers  int
)

var rootCmd = &cobra.Command{
	Use:   "fourinarow-server <listen_port> <cert> <key> <ca_cert> <crl> <peer_cert_dir>",
	Short: "Matchmaking relay for four-in-a-row's two-player sessions",
	Args:  cobra.ExactArgs(6),
	RunE:  runServer,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVar(&flagWorkers, "workers", dispatcher.DefaultWorkers, "worker pool size")
	flags.StringVar(&flagAdminAddr, "admin-addr", "", "admin/metrics listen address (empty disables it)")
	flags.IntVar(&flagMaxUsers, "max-users", 10000, "maximum concurrent connections held by the registry")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fourinarow-server: fatal")
		os.Exit(exitcode.FatalConfig)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	listenPort, certPath, keyPath, caPath, crlPath, peerDir := args[0], args[1], args[2], args[3], args[4], args[5]

	myCert, myKey, store, err := loadIdentity(certPath, keyPath, caPath, crlPath)
	if err != nil {
		return err
	}
	myIdentity := myCert.Subject.CommonName

	certs, err := certdir.Load(peerDir, store)
	if err != nil {
		return fmt.Errorf("loading peer certificate directory: %w", err)
	}
	log.Info().Int("identities", certs.Len()).Str("dir", peerDir).Msg("peer certificate directory loaded")

	rawListener, err := net.Listen("tcp", net.JoinHostPort("", listenPort))
	if err != nil {
		return err
	}
	listener := netutil.NewNoDelayListener(rawListener)

	reg := registry.New(flagMaxUsers)
	handler := matchmaking.New(reg, certs, myCert)

	d, err := dispatcher.New(listener, reg, certs, handler, myIdentity, myCert, myKey, flagWorkers)
	if err != nil {
		return err
	}

	if flagAdminAddr != "" {
		go serveAdmin(flagAdminAddr, reg, d)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		d.Close()
	}()

	log.Info().Str("identity", myIdentity).Str("addr", listener.Addr().String()).Msg("listening")
	d.Run()
	return nil
}

func serveAdmin(addr string, reg *registry.Registry, d *dispatcher.Dispatcher) {
	srv := &http.Server{Addr: addr, Handler: adminsrv.Handler(reg, d)}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin server exited")
	}
}

// loadIdentity reads this process's own certificate and private key plus
// the CA certificate and CRL that bound the trust store every peer
// certificate is validated against.
func loadIdentity(certPath, keyPath, caPath, crlPath string) (cert *x509.Certificate, key *ecdsa.PrivateKey, store *cryptoops.TrustStore, err error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading certificate: %w", err)
	}
	cert, err = cryptoops.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err = cryptoops.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing private key: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	var crlDER []byte
	if crlPath != "" {
		crlDER, err = os.ReadFile(crlPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("reading CRL: %w", err)
		}
	}
	store, err = cryptoops.NewTrustStore(caPEM, crlDER)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building trust store: %w", err)
	}

	return cert, key, store, nil
}

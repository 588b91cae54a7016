// The mvfs-mountd binary is a reference mount server: it serves one
// mounted path backed by a single storage implementation, selectable by
// the -backend flag, and answers the broker's VfsOpen/VfsRead/VfsWrite/
// VfsClose conversation for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"gopkg.in/mgo.v2"

	"github.com/MasterMochi/mvfsd/pkg/broker"
	"github.com/MasterMochi/mvfsd/pkg/kernel/grpcbus"
	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/gcs"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/local"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/memory"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/mongo"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/s3backend"
	"github.com/MasterMochi/mvfsd/pkg/mountserver/sftpbackend"
)

var (
	dialAddr = flag.String("dial", "localhost:4242", "grpcbus Router address of the broker to mount against")
	path     = flag.String("path", "", "path to mount under the broker's namespace (required)")
	kind     = flag.String("backend", "memory", "storage backend: local, memory, s3, gcs, mongo, sftp")

	localRoot = flag.String("local.root", "", "local backend: directory to serve files from")

	s3Bucket = flag.String("s3.bucket", "", "s3 backend: bucket name")

	gcsBucket = flag.String("gcs.bucket", "", "gcs backend: bucket name")

	mongoURI  = flag.String("mongo.uri", "localhost", "mongo backend: mgo.Dial URI")
	mongoDB   = flag.String("mongo.db", "mvfs", "mongo backend: database name")
	mongoColl = flag.String("mongo.collection", "files", "mongo backend: collection name")

	sftpAddr = flag.String("sftp.addr", "", "sftp backend: host:port of the SSH server")
	sftpUser = flag.String("sftp.user", "", "sftp backend: SSH username")
	sftpRoot = flag.String("sftp.root", ".", "sftp backend: remote directory to serve files from")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lshortfile)
	if *path == "" {
		log.Fatalf("mvfs-mountd: -path is required")
	}

	ctx := context.Background()

	backend, err := buildBackend(ctx)
	if err != nil {
		log.Fatalf("mvfs-mountd: %v", err)
	}

	conn, err := grpcbus.Dial(ctx, *dialAddr)
	if err != nil {
		log.Fatalf("mvfs-mountd: dial %s: %v", *dialAddr, err)
	}
	defer conn.Close()

	srv := mountserver.New(conn, backend, *path, log.Default())
	if err := srv.Mount(ctx, broker.ServiceName); err != nil {
		log.Fatalf("mvfs-mountd: mount %q: %v", *path, err)
	}
	log.Printf("mvfs-mountd: serving %q from %s backend", *path, *kind)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("mvfs-mountd: %v", err)
	}
}

func buildBackend(ctx context.Context) (mountserver.Backend, error) {
	switch *kind {
	case "local":
		if *localRoot == "" {
			return nil, fmt.Errorf("-local.root is required for backend=local")
		}
		return local.New(*localRoot)

	case "memory":
		return memory.New(), nil

	case "s3":
		if *s3Bucket == "" {
			return nil, fmt.Errorf("-s3.bucket is required for backend=s3")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg)
		return s3backend.New(client, *s3Bucket), nil

	case "gcs":
		if *gcsBucket == "" {
			return nil, fmt.Errorf("-gcs.bucket is required for backend=gcs")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating gcs client: %w", err)
		}
		return gcs.New(client, *gcsBucket), nil

	case "mongo":
		session, err := mgo.DialWithTimeout(*mongoURI, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dialing mongo: %w", err)
		}
		coll := session.DB(*mongoDB).C(*mongoColl)
		return mongo.New(coll), nil

	case "sftp":
		if *sftpAddr == "" || *sftpUser == "" {
			return nil, fmt.Errorf("-sftp.addr and -sftp.user are required for backend=sftp")
		}
		agentAuth, err := sshAgentAuth()
		if err != nil {
			return nil, fmt.Errorf("connecting to ssh-agent: %w", err)
		}
		cc := &ssh.ClientConfig{
			User:            *sftpUser,
			Auth:            []ssh.AuthMethod{agentAuth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		}
		sshConn, err := ssh.Dial("tcp", *sftpAddr, cc)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", *sftpAddr, err)
		}
		client, err := sftp.NewClient(sshConn)
		if err != nil {
			return nil, fmt.Errorf("opening sftp session: %w", err)
		}
		return sftpbackend.New(client, *sftpRoot), nil

	default:
		return nil, fmt.Errorf("unknown -backend %q", *kind)
	}
}

func sshAgentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), nil
}

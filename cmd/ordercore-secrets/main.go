package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/ordercore/pkg/secretstore"
)

// ordercore-secrets 把 .env 中的 ORDERCORE_* 项导入加密凭证库，
// ordercore 启动时通过 broker.secret_db 读取，避免明文凭证落在配置文件里。
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("db", getenv("ORDERCORE_BROKER_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("ORDERCORE_SECRET_KEY", ""), "encryption key (32 bytes base64/hex)")
		prefix    = flag.String("prefix", "env/", "key prefix inside the store")
		all       = flag.Bool("all", false, "import every key, not only ORDERCORE_*")
		genKey    = flag.Bool("genkey", false, "print a new random encryption key and exit")
	)
	flag.Parse()

	if *genKey {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			fatal(err)
		}
		fmt.Println(hex.EncodeToString(b))
		return
	}

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set ORDERCORE_SECRET_KEY or pass -secret-key"))
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	keys := make([]string, 0, len(kv))
	for k := range kv {
		if *all || strings.HasPrefix(k, "ORDERCORE_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ss.SetString(*prefix+k, kv[k]); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "  %s%s\n", *prefix, k)
	}
	fmt.Fprintf(os.Stderr, "已导入 %d 项到 %s\n", len(keys), *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Runtime: the explicit context owning every loaded image
// ---------------------------------------------------------------------------

// Default resource limits.
const (
	DefaultStackSlots = 65536
	DefaultMaxFrames  = 4096
)

// Options configures a Runtime.
type Options struct {
	// StackSlots is the size of each thread's interpreter stack.
	StackSlots int
	// MaxFrames bounds the interpreted call depth of one thread.
	MaxFrames int
	// SearchPaths are directories probed for referenced assemblies.
	SearchPaths []string
	// Host builds the host capabilities. Nil selects DefaultHost.
	Host func(*Runtime) Host
	// Stdout receives System.Console output. Nil selects os.Stdout.
	Stdout io.Writer
	// Profiler, if set, counts every method call.
	Profiler *Profiler
}

// NativeFunc implements a method in Go. args holds the receiver (if any)
// followed by the arguments; ret receives the return value. A returned
// *ManagedException is thrown into the calling managed code.
type NativeFunc func(th *Thread, args []StackObject, ret *StackObject) error

// Runtime owns the image registry, the metadata lock and the caches shared
// by all threads. Images are registered once and never unloaded.
type Runtime struct {
	Host Host

	opts      Options
	log       commonlog.Logger
	interpLog commonlog.Logger

	// metadataLock guards the image registry, class construction and the
	// slow path of every token cache.
	metadataLock sync.Mutex
	images       []*Image
	byName       map[string]*Image

	corlib *corlib

	nativesMu sync.RWMutex
	natives   map[string]NativeFunc

	genericInsts   sync.Map // string -> *GenericInst
	genericClasses sync.Map // genericClassKey -> *Class
	genericMethods sync.Map // genericMethodKey -> *MethodInfo
	arrayClasses   sync.Map // arrayKey -> *Class
	pointerClasses sync.Map // *Class -> *Class
	byRefClasses   sync.Map // *Class -> *Class
	mvars          sync.Map // int -> *Class
	arrayMethods   sync.Map // arrayMethodKey -> *MethodInfo

	nextClassID  atomic.Uint64
	nextThreadID atomic.Int32
	transforms   singleflight.Group
}

// corlibAliases are the assembly names that resolve to the built-in core
// library.
var corlibAliases = []string{"mscorlib", "system.runtime", "system.private.corelib", "netstandard", "system.console", "corlib"}

// NewRuntime creates a runtime and loads the core library as image 1.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.StackSlots <= 0 {
		opts.StackSlots = DefaultStackSlots
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	rt := &Runtime{
		opts:      opts,
		log:       commonlog.GetLogger("hybrid.vm"),
		interpLog: commonlog.GetLogger("hybrid.interp"),
		images:    []*Image{nil},
		byName:    make(map[string]*Image),
		natives:   make(map[string]NativeFunc),
	}
	if opts.Host != nil {
		rt.Host = opts.Host(rt)
	} else {
		rt.Host = NewDefaultHost(rt)
	}
	registerCoreNatives(rt)
	if err := rt.loadCorlib(); err != nil {
		return nil, fmt.Errorf("load core library: %w", err)
	}
	return rt, nil
}

// Options returns the runtime's effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// Stdout returns the writer used by System.Console.
func (rt *Runtime) Stdout() io.Writer { return rt.opts.Stdout }

// ---------------------------------------------------------------------------
// Encoded indices
// ---------------------------------------------------------------------------

// EncodedIndex is a cross reference to a runtime entity: the owning image's
// registry index in the high 10 bits, the entity's local index in the low 22.
type EncodedIndex uint32

const (
	localIndexBits = 22
	localIndexMask = 1<<localIndexBits - 1
	maxImages      = 1 << (32 - localIndexBits)
)

// MakeEncodedIndex packs an image index and a local index.
func MakeEncodedIndex(image, local int) EncodedIndex {
	return EncodedIndex(uint32(image)<<localIndexBits | uint32(local)&localIndexMask)
}

// Image returns the registry index of the owning image.
func (e EncodedIndex) Image() int { return int(uint32(e) >> localIndexBits) }

// Local returns the index within the owning image's arrays.
func (e EncodedIndex) Local() int { return int(uint32(e) & localIndexMask) }

func (e EncodedIndex) String() string { return fmt.Sprintf("%d:%d", e.Image(), e.Local()) }

// local validates that e belongs to img and returns its local index.
func (img *Image) local(e EncodedIndex) (int, error) {
	if e.Image() != img.Index {
		return 0, fmt.Errorf("%w: %s used with image %d (%s)", ErrWrongImage, e, img.Index, img.Name)
	}
	return e.Local(), nil
}

// ---------------------------------------------------------------------------
// Image registry
// ---------------------------------------------------------------------------

// LoadImage parses data, registers it and builds its runtime metadata.
func (rt *Runtime) LoadImage(data []byte) (*Image, error) {
	raw, err := metadata.Load(data)
	if err != nil {
		return nil, err
	}
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.registerLocked(raw, "")
}

// LoadFile loads an image from disk. Its directory joins the search path.
func (rt *Runtime) LoadFile(path string) (*Image, error) {
	raw, err := metadata.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	rt.addSearchPath(filepath.Dir(path))
	return rt.registerLocked(raw, path)
}

func (rt *Runtime) addSearchPath(dir string) {
	for _, p := range rt.opts.SearchPaths {
		if p == dir {
			return
		}
	}
	rt.opts.SearchPaths = append(rt.opts.SearchPaths, dir)
}

// registerLocked adds raw to the registry and runs InitRuntimeMetadata.
// An image whose assembly name is already registered is returned as is.
func (rt *Runtime) registerLocked(raw *metadata.RawImage, path string) (*Image, error) {
	name := imageName(raw)
	if prev, ok := rt.byName[strings.ToLower(name)]; ok {
		return prev, nil
	}
	if len(rt.images) >= maxImages {
		return nil, fmt.Errorf("too many images (limit %d)", maxImages)
	}
	img := newImage(rt, raw, len(rt.images), name, path)
	rt.images = append(rt.images, img)
	rt.byName[strings.ToLower(name)] = img
	if err := img.InitRuntimeMetadata(); err != nil {
		rt.images[img.Index] = nil
		delete(rt.byName, strings.ToLower(name))
		return nil, fmt.Errorf("image %s: %w", name, err)
	}
	rt.log.Infof("loaded image %s (#%d, %d types, %d methods)", name, img.Index, len(img.typeDefs), len(img.methods))
	return img, nil
}

func imageName(raw *metadata.RawImage) string {
	if raw.RowCount(metadata.TableAssembly) > 0 {
		if n := raw.Assembly(1).Name; n != "" {
			return n
		}
	}
	if raw.RowCount(metadata.TableModule) > 0 {
		n := raw.Module(1).Name
		return strings.TrimSuffix(strings.TrimSuffix(n, ".dll"), ".exe")
	}
	return "<anonymous>"
}

// Images returns the registered images in registry order.
func (rt *Runtime) Images() []*Image {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	out := make([]*Image, 0, len(rt.images))
	for _, img := range rt.images {
		if img != nil {
			out = append(out, img)
		}
	}
	return out
}

// ImageAt returns the image with registry index i.
func (rt *Runtime) ImageAt(i int) *Image {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	if i <= 0 || i >= len(rt.images) {
		return nil
	}
	return rt.images[i]
}

// Corlib returns the core library image.
func (rt *Runtime) Corlib() *Image { return rt.corlib.Image }

// resolveAssembly finds or loads the assembly called name. Callers hold
// rt.metadataLock.
func (rt *Runtime) resolveAssembly(name string) (*Image, error) {
	lower := strings.ToLower(name)
	if img, ok := rt.byName[lower]; ok {
		return img, nil
	}
	for _, alias := range corlibAliases {
		if lower == alias {
			return rt.corlib.Image, nil
		}
	}
	for _, dir := range rt.opts.SearchPaths {
		for _, ext := range []string{".dll", ".exe", ""} {
			path := filepath.Join(dir, name+ext)
			raw, err := metadata.LoadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			return rt.registerLocked(raw, path)
		}
	}
	return nil, fmt.Errorf("assembly %q not found in %v", name, rt.opts.SearchPaths)
}

// FindClass looks up a type by assembly-qualified parts. An empty assembly
// searches every image in registry order.
func (rt *Runtime) FindClass(assembly, ns, name string) (*Class, error) {
	for _, img := range rt.Images() {
		if assembly != "" && !strings.EqualFold(img.Name, assembly) {
			continue
		}
		if c := img.FindType(ns, name); c != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("type %s.%s not found", ns, name)
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

// RegisterNative binds an internal call to fn. name is "Ns.Type::Name",
// optionally followed by a parameter list such as "(string,object)" or a
// call shape such as "/o(o,i4)" to single out one overload. The most
// specific registration wins.
func (rt *Runtime) RegisterNative(name string, fn NativeFunc) {
	rt.nativesMu.Lock()
	defer rt.nativesMu.Unlock()
	rt.natives[name] = fn
}

func (rt *Runtime) lookupNative(m *MethodInfo) NativeFunc {
	def := m
	for def.Def != nil {
		def = def.Def
	}
	key := def.Class.FullName() + "::" + def.Name
	rt.nativesMu.RLock()
	defer rt.nativesMu.RUnlock()
	for _, k := range [...]string{key + def.ParamList(), key + "/" + def.Shape(), key} {
		if fn, ok := rt.natives[k]; ok {
			return fn
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invocation from Go
// ---------------------------------------------------------------------------

// Invoke calls m on a fresh thread. args holds the receiver (if any)
// followed by the arguments. A managed exception escapes as a
// *ManagedException error.
func (rt *Runtime) Invoke(m *MethodInfo, args ...StackObject) (StackObject, error) {
	return rt.NewThread().Invoke(m, args...)
}

// RunMain runs the entry point of img and returns its exit code.
func (rt *Runtime) RunMain(img *Image, argv []string) (int32, error) {
	ep := img.Raw.EntryPoint()
	if ep.IsNil() {
		return 0, fmt.Errorf("%s: %w", img.Name, ErrNoEntryPoint)
	}
	m, err := img.GetMethodInfoFromToken(ep, GenericContext{})
	if err != nil {
		return 0, err
	}
	return rt.runMain(m, argv)
}

// RunMethod runs a static method named "Ns.Type::Name" as an entry point.
func (rt *Runtime) RunMethod(img *Image, qualified string, argv []string) (int32, error) {
	typeName, methodName, ok := strings.Cut(qualified, "::")
	if !ok {
		return 0, fmt.Errorf("method %q: want Ns.Type::Name", qualified)
	}
	ns, name := "", typeName
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		ns, name = typeName[:i], typeName[i+1:]
	}
	c := img.FindType(ns, name)
	if c == nil {
		return 0, fmt.Errorf("type %s not found in %s", typeName, img.Name)
	}
	m := c.FindMethod(methodName, -1)
	if m == nil || !m.IsStatic() {
		return 0, fmt.Errorf("static method %s not found", qualified)
	}
	return rt.runMain(m, argv)
}

// RunEntry runs the static method m as an entry point.
func (rt *Runtime) RunEntry(m *MethodInfo, argv []string) (int32, error) {
	if !m.IsStatic() {
		return 0, fmt.Errorf("%s: entry point must be static", m.FullName())
	}
	return rt.runMain(m, argv)
}

func (rt *Runtime) runMain(m *MethodInfo, argv []string) (int32, error) {
	th := rt.NewThread()
	var args []StackObject
	if len(m.Sig.Params) == 1 {
		arr := rt.Host.NewArray(rt.ArrayClass(rt.corlib.String, 1, true), []int32{int32(len(argv))}, nil)
		for i, a := range argv {
			arr.Elems[i].SetObj(rt.Host.NewString(stringChars(a)))
		}
		args = append(args, ObjValue(arr))
	}
	ret, err := th.Invoke(m, args...)
	if err != nil {
		if me, ok := AsManagedException(err); ok {
			rt.log.Warningf("unhandled exception: %s", me.Error())
		}
		return 0, err
	}
	if m.Sig.Ret.Elem == metadata.ElementVoid {
		return 0, nil
	}
	return ret.I32(), nil
}

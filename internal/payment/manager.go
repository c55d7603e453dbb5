package payment

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
)

// Settings 单个配置档的原始凭证配置，由适配器解析成强类型 Config。
type Settings map[string]interface{}

// Drivers 驱动 -> 配置档 -> 配置
type Drivers map[string]map[string]Settings

// Factory 根据配置档构造适配器实例。
type Factory func(profile string, settings Settings) (Gateway, error)

// Middleware 包装已构造的适配器，例如埋点。
type Middleware func(driver, profile string, gw Gateway) Gateway

type instanceKey struct {
	driver  string
	profile string
}

// Manager 驱动注册表。
// 工厂按驱动缓存，实例按 (驱动, 配置档) 缓存，不同配置档互不共享凭证。
type Manager struct {
	mu             sync.Mutex
	drivers        Drivers
	builtin        map[string]Factory
	custom         map[string]Factory
	factories      map[string]Factory
	instances      map[instanceKey]Gateway
	middlewares    []Middleware
	defaultProfile string
}

// ManagerOption 注册表选项
type ManagerOption func(*Manager)

// WithDriver 登记内置驱动工厂。
func WithDriver(name string, factory Factory) ManagerOption {
	return func(m *Manager) {
		m.builtin[normalizeName(name)] = factory
	}
}

// WithMiddleware 追加实例包装，按登记顺序由内向外包装。
func WithMiddleware(mw Middleware) ManagerOption {
	return func(m *Manager) {
		if mw != nil {
			m.middlewares = append(m.middlewares, mw)
		}
	}
}

// WithDefaultProfile 覆盖默认配置档名称。
func WithDefaultProfile(profile string) ManagerOption {
	return func(m *Manager) {
		if profile = normalizeName(profile); profile != "" {
			m.defaultProfile = profile
		}
	}
}

// NewManager 创建注册表，配置在此之后不再变化。
func NewManager(drivers Drivers, opts ...ManagerOption) *Manager {
	m := &Manager{
		drivers:        make(Drivers, len(drivers)),
		builtin:        make(map[string]Factory),
		custom:         make(map[string]Factory),
		factories:      make(map[string]Factory),
		instances:      make(map[instanceKey]Gateway),
		defaultProfile: constants.DefaultProfile,
	}
	for name, profiles := range drivers {
		copied := make(map[string]Settings, len(profiles))
		for profile, settings := range profiles {
			copied[normalizeName(profile)] = settings
		}
		m.drivers[normalizeName(name)] = copied
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Resolve 解析适配器实例，profile 为空时使用默认配置档。
// 驱动与配置档名称均不区分大小写，与 viper 读取配置时的小写键一致。
func (m *Manager) Resolve(driver, profile string) (Gateway, error) {
	driver = normalizeName(driver)
	profile = normalizeName(profile)
	if profile == "" {
		profile = m.defaultProfile
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceKey{driver: driver, profile: profile}
	if gw, ok := m.instances[key]; ok {
		return gw, nil
	}

	profiles, ok := m.drivers[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	settings, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProfile, driver, profile)
	}
	factory, err := m.factoryLocked(driver)
	if err != nil {
		return nil, err
	}

	gw, err := factory(profile, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrConfigInvalid, driver, profile, err)
	}
	for _, mw := range m.middlewares {
		gw = mw(driver, profile, gw)
	}
	m.instances[key] = gw
	logger.Infow("payment_driver_resolved", "driver", driver, "profile", profile, "provider", gw.Provider())
	return gw, nil
}

func (m *Manager) factoryLocked(driver string) (Factory, error) {
	if factory, ok := m.factories[driver]; ok {
		return factory, nil
	}
	factory, ok := m.custom[driver]
	if !ok {
		factory, ok = m.builtin[driver]
	}
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %s has no factory", ErrUnknownDriver, driver)
	}
	m.factories[driver] = factory
	return factory, nil
}

// Extend 注册自定义驱动工厂，覆盖内置实现并清除该驱动的缓存。
func (m *Manager) Extend(driver string, factory Factory) {
	driver = normalizeName(driver)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom[driver] = factory
	delete(m.factories, driver)
	for key := range m.instances {
		if key.driver == driver {
			delete(m.instances, key)
		}
	}
}

// Forget 清除全部缓存，用于凭证轮换。
func (m *Manager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = make(map[string]Factory)
	m.instances = make(map[instanceKey]Gateway)
}

// Drivers 已缓存工厂的驱动名称。
func (m *Manager) Drivers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profiles 驱动下配置的配置档名称。
func (m *Manager) Profiles(driver string) []string {
	profiles := m.drivers[normalizeName(driver)]
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
